package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/hypermarkets/oracle-runner/resilience"
)

// Revert conditions the resolution service understands and handles
// specially instead of failing the job.
var (
	ErrAlreadyResolved  = errors.New("market already resolved")
	ErrAlreadyCommitted = errors.New("resolution already committed")
	ErrAlreadyFinalized = errors.New("resolution already finalized")
)

// classify maps a raw RPC/contract error into the retry taxonomy.
// Execution reverts are permanent (the contract said no); everything else
// on the wire is assumed transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "vm exception") {
		switch {
		case strings.Contains(msg, "already resolved"):
			return ErrAlreadyResolved
		case strings.Contains(msg, "already committed"):
			return ErrAlreadyCommitted
		case strings.Contains(msg, "already finalized"):
			return ErrAlreadyFinalized
		default:
			return resilience.Permanent(err)
		}
	}
	return resilience.Transient(err)
}
