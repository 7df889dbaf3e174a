package execution

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aurigraph/tokenversion/approval/types"
)

// retirePrior cascades retirement of the version superseded by a newly
// activated one: the prior ACTIVE version moves to REPLACED, recording
// who replaced it and when. Ambiguous lineage, meaning the prior version
// has more than one ACTIVE child, is left for an operator to resolve.
func (s *Service) retirePrior(ctx context.Context, priorID, newVersionID string) error {
	prior, err := s.cfg.Database.Version(ctx, priorID)
	if err != nil {
		return err
	}
	if prior.Status != types.Active {
		log.WithFields(logrus.Fields{
			"versionId": priorID,
			"status":    prior.Status,
		}).Debug("Prior version not active, skipping retirement")
		return nil
	}
	children, err := s.cfg.Database.ActiveChildren(ctx, priorID)
	if err != nil {
		return err
	}
	if children > 1 {
		cascadeSkipped.Inc()
		log.WithFields(logrus.Fields{
			"versionId":      priorID,
			"activeChildren": children,
		}).Warn("Multiple active successors, skipping cascade retirement")
		return nil
	}

	now := time.Now().UTC()
	_, err = s.cfg.Manager.Execute(ctx, &Transition{
		VersionID: priorID,
		From:      types.Active,
		To:        types.Replaced,
		Metadata:  map[string]string{"replaced_by": newVersionID},
		Mutate: func(version *types.TokenVersion) {
			version.ReplacedAt = now
			version.ReplacedByVersionID = newVersionID
		},
	})
	if err != nil {
		return err
	}
	cascadeRetired.Inc()
	log.WithFields(logrus.Fields{
		"versionId":  priorID,
		"replacedBy": newVersionID,
	}).Info("Prior version retired")
	return nil
}
