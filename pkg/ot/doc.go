/*
Package ot implements operational transformation for collaborative
text documents.

Concurrent batches composed against the same base version are
transformed so that both orders of application converge (TP1). The
engine serializes per-document mutation, assigns a strictly increasing
version per applied batch, and keeps a bounded history so lagging
clients catch up by transformation instead of full reload.
*/
package ot
