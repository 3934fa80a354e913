package launcher

import (
	"context"

	"github.com/juju/errors"
)

// Procedure launches from the catalogue and falls back to the embedded update
// when that fails. Fallback may be nil.
type Procedure struct {
	Primary  Launcher
	Fallback Launcher
}

func (p *Procedure) State() State {
	if p.Fallback != nil && p.Fallback.State() != NotStarted {
		return p.Fallback.State()
	}
	return p.Primary.State()
}

func (p *Procedure) Launch(ctx context.Context, cb Callback) error {
	return p.Primary.Launch(ctx, CallbackFuncs{
		Success: cb.OnSuccess,
		Failure: func(err error) {
			if p.Fallback == nil || errors.Is(err, context.Canceled) {
				cb.OnFailure(err)
				return
			}
			logger.Infof("falling back to the embedded update: %v", err)
			if fallbackErr := p.Fallback.Launch(ctx, CallbackFuncs{
				Success: cb.OnSuccess,
				Failure: func(fallbackErr error) {
					cb.OnFailure(errors.Annotatef(err, "embedded fallback failed too: %v", fallbackErr))
				},
			}); fallbackErr != nil {
				cb.OnFailure(errors.Annotatef(err, "starting embedded fallback: %v", fallbackErr))
			}
		},
	})
}
