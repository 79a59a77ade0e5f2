package ledger

import (
	"fmt"

	xerrors "EgoMarket/internal/errors"
)

// BuildRequest describes a transaction to assemble.
//
// Spend boxes are always consumed (for example an escrow box being released);
// Candidates are drawn largest first until outputs plus fee are covered.
type BuildRequest struct {
	Spend         []Box
	Candidates    []Box
	Outputs       []Output
	Fee           uint64
	ChangeAddress string
	Height        int64
}

// Build selects inputs, appends a change output when needed and seals the id.
func Build(req BuildRequest) (*UnsignedTx, error) {
	if len(req.Outputs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "transaction has no outputs")
	}
	var need uint64 = req.Fee
	for _, out := range req.Outputs {
		if out.Value == 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "output value must be positive")
		}
		need += out.Value
	}

	inputs := make([]Box, 0, len(req.Spend)+len(req.Candidates))
	seen := make(map[string]struct{}, len(req.Spend))
	var have uint64
	for _, box := range req.Spend {
		inputs = append(inputs, box)
		seen[box.BoxID] = struct{}{}
		have += box.Value
	}

	candidates := append([]Box(nil), req.Candidates...)
	SortByValueDesc(candidates)
	for _, box := range candidates {
		if have >= need {
			break
		}
		if _, dup := seen[box.BoxID]; dup || box.Spent() {
			continue
		}
		inputs = append(inputs, box)
		seen[box.BoxID] = struct{}{}
		have += box.Value
	}
	if have < need {
		return nil, xerrors.Wrap(CodeInsufficientFunds, ErrInsufficientFunds,
			fmt.Sprintf("need %d nanoERG, have %d", need, have),
			xerrors.WithMetadata("need", fmt.Sprint(need)),
			xerrors.WithMetadata("have", fmt.Sprint(have)))
	}

	outputs := append([]Output(nil), req.Outputs...)
	if change := have - need; change > 0 {
		if req.ChangeAddress == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "change address required")
		}
		outputs = append(outputs, Output{Address: req.ChangeAddress, Value: change})
	}

	tx := &UnsignedTx{
		Inputs:         inputs,
		Outputs:        outputs,
		Fee:            req.Fee,
		ChangeAddress:  req.ChangeAddress,
		CreationHeight: req.Height,
	}
	tx.Seal()
	return tx, nil
}

// Balance sums the value of boxes that are not spent.
func Balance(boxes []Box) uint64 {
	var total uint64
	for _, box := range boxes {
		if !box.Spent() {
			total += box.Value
		}
	}
	return total
}
