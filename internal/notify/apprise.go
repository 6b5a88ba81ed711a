package notify

import (
	"context"
	"io"
	"log"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/avibox/avibox/internal/errors"
)

const appriseTimeout = 10 * time.Second

// AppriseAdapter delivers through shoutrrr service URIs, one router per
// configured target.
type AppriseAdapter struct {
	senders map[string]*router.ServiceRouter
}

// NewAppriseAdapter validates every target URI up front so a typo surfaces
// at startup instead of on the first matching detection.
func NewAppriseAdapter(targets map[string]string) (*AppriseAdapter, error) {
	a := &AppriseAdapter{senders: make(map[string]*router.ServiceRouter, len(targets))}
	for name, uri := range targets {
		sender, err := shoutrrr.CreateSender(uri)
		if err != nil {
			return nil, errors.New(err).
				Component("notify").
				Category(errors.CategoryConfiguration).
				Context("target", name).
				Build()
		}
		sender.Timeout = appriseTimeout
		sender.SetLogger(log.New(io.Discard, "", 0))
		a.senders[name] = sender
	}
	return a, nil
}

// Name implements Dispatcher.
func (a *AppriseAdapter) Name() string { return ServiceApprise }

// Dispatch implements Dispatcher. The router enforces its own send timeout.
func (a *AppriseAdapter) Dispatch(ctx context.Context, n Notification) error {
	sender, ok := a.senders[n.Target]
	if !ok {
		return errors.Newf("apprise target %q not configured", n.Target).
			Component("notify").
			Category(errors.CategoryConfiguration).
			Build()
	}
	_ = ctx

	params := stypes.Params{}
	if n.Title != "" {
		params.SetTitle(n.Title)
	}
	for _, err := range sender.Send(n.Body, &params) {
		if err != nil {
			return errors.New(err).
				Component("notify").
				Category(errors.CategoryNotification).
				Context("target", n.Target).
				Build()
		}
	}
	return nil
}
