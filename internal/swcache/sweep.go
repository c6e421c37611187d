package swcache

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ClientClaimer hands control of every open client to a worker version.
type ClientClaimer interface {
	Claim(version string) int
}

type ActivationReport struct {
	Deleted []string
	Claimed int
}

// Activate deletes every generation other than the worker's own and then
// claims all clients. Running it again on an activated worker repeats the
// sweep, which leaves the storage unchanged.
//
// A generation that cannot be deleted is logged and left behind; it does not
// prevent activation.
func (w *Worker) Activate(ctx context.Context, clients ClientClaimer) (ActivationReport, error) {
	if err := w.transition([]State{StateInstalled, StateActivated}, StateActivating); err != nil {
		return ActivationReport{}, err
	}
	log := w.log.WithField("action", "activate")
	log.Info("activating")

	var report ActivationReport
	names, err := w.storage.Keys(ctx)
	if err != nil {
		log.Errorf("list generations: %v", err)
	}
	for _, name := range names {
		if name == w.generation {
			continue
		}
		ok, err := w.storage.Delete(ctx, name)
		if err != nil {
			log.WithField("old_generation", name).Errorf("delete generation: %v", err)
			continue
		}
		if ok {
			log.WithField("old_generation", name).Info("deleted old generation")
			report.Deleted = append(report.Deleted, name)
		}
	}

	if clients != nil {
		report.Claimed = clients.Claim(w.version)
	}

	w.setState(StateActivated)
	log.WithFields(logrus.Fields{
		"deleted": len(report.Deleted),
		"claimed": report.Claimed,
	}).Info("activated")
	return report, nil
}
