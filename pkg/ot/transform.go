package ot

import (
	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/types"
)

// transformOp rewrites op so it applies after applied has taken effect.
// appliedWins breaks insert/insert position ties (the already-applied
// side keeps its position). A nil return means op became a no-op.
func transformOp(op, applied *types.Operation, appliedWins bool) *types.Operation {
	if op.Type == types.OpRetain || applied.Type == types.OpRetain {
		out := *op
		return &out
	}

	out := *op
	switch {
	case op.Type == types.OpInsert && applied.Type == types.OpInsert:
		if applied.Position < op.Position ||
			(applied.Position == op.Position && appliedWins) {
			out.Position += len(applied.Text)
		}

	case op.Type == types.OpInsert && applied.Type == types.OpDelete:
		start, end := applied.Position, applied.Position+applied.Count
		switch {
		case op.Position <= start:
			// insert before the deleted range, untouched
		case op.Position >= end:
			out.Position -= applied.Count
		default:
			// strictly inside the deleted range: absorbed
			return nil
		}

	case op.Type == types.OpDelete && applied.Type == types.OpInsert:
		start, end := op.Position, op.Position+op.Count
		switch {
		case applied.Position <= start:
			out.Position += len(applied.Text)
		case applied.Position >= end:
			// insert after the deleted range, untouched
		default:
			// insert landed inside the range: the delete swallows it
			out.Count += len(applied.Text)
		}

	case op.Type == types.OpDelete && applied.Type == types.OpDelete:
		opEnd := op.Position + op.Count
		apEnd := applied.Position + applied.Count

		// portion of the applied delete strictly before op shifts it left
		before := 0
		if applied.Position < op.Position {
			before = min(apEnd, op.Position) - applied.Position
		}
		// overlap is credited once, to the applied delete
		overlap := min(opEnd, apEnd) - max(op.Position, applied.Position)
		if overlap < 0 {
			overlap = 0
		}

		out.Position -= before
		out.Count -= overlap
		if out.Count <= 0 {
			return nil
		}
	}
	return &out
}

// TransformOps rewrites ops against every operation of an applied batch,
// in order. Absorbed operations drop out.
func TransformOps(ops []*types.Operation, applied []*types.Operation, appliedWins bool) []*types.Operation {
	out := ops
	for _, ap := range applied {
		next := make([]*types.Operation, 0, len(out))
		for _, op := range out {
			if t := transformOp(op, ap, appliedWins); t != nil {
				next = append(next, t)
			}
		}
		out = next
	}
	return out
}

// Apply executes ops against content with bounds checks. Batches are
// atomic: the first out-of-bounds operation rejects the whole batch.
func Apply(content string, ops []*types.Operation) (string, error) {
	for _, op := range ops {
		switch op.Type {
		case types.OpRetain:
			continue
		case types.OpInsert:
			if op.Position < 0 || op.Position > len(content) {
				return "", errdefs.Newf(errdefs.KindValidation,
					"insert position %d out of bounds (len %d)", op.Position, len(content))
			}
			content = content[:op.Position] + op.Text + content[op.Position:]
		case types.OpDelete:
			if op.Count < 0 || op.Position < 0 || op.Position+op.Count > len(content) {
				return "", errdefs.Newf(errdefs.KindValidation,
					"delete range [%d,%d) out of bounds (len %d)", op.Position, op.Position+op.Count, len(content))
			}
			content = content[:op.Position] + content[op.Position+op.Count:]
		default:
			return "", errdefs.Newf(errdefs.KindValidation, "unknown operation type %q", op.Type)
		}
	}
	return content, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
