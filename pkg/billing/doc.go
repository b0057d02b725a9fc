/*
Package billing meters LLM usage against prepaid credit.

Every call passes a pre-call gate (token estimation, price lookup,
safety buffer, per-call cap, run budget, per-minute rate limits, and an
available-balance check) and a post-call charge committed atomically
with its token record. After repeated store failures the service drops
to read_only, letting work proceed uncharged with a log marker, and
returns to normal after a quiet interval. Terminal runs reconcile
estimated records against actuals with one idempotent adjustment.
*/
package billing
