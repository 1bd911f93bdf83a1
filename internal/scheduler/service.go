package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/omnifeed/omnifeed/internal/config"
)

// Service drives the two recurring pipeline jobs on a shared cron: the
// token refresh scan and the content polling tick.
type Service struct {
	config    *config.Config
	refresher *Refresher
	poller    *Poller
	cron      *cron.Cron
}

// NewService creates a new scheduler service
func NewService(cfg *config.Config, refresher *Refresher, poller *Poller) *Service {
	return &Service{
		config:    cfg,
		refresher: refresher,
		poller:    poller,
		cron:      cron.New(cron.WithSeconds()),
	}
}

// Start begins the recurring refresh and polling schedules
func (s *Service) Start() error {
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.config.RefreshScanInterval), func() {
		if err := s.refresher.RunScan(context.Background()); err != nil {
			logrus.Errorf("Refresh scan failed: %v", err)
		}
	})
	if err != nil {
		return err
	}

	_, err = s.cron.AddFunc(fmt.Sprintf("@every %s", s.config.PollInterval), func() {
		s.poller.RunTick()
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	logrus.Infof("Scheduler started (refresh scan every %s, polling every %s)",
		s.config.RefreshScanInterval, s.config.PollInterval)
	return nil
}

// Stop stops the cron and waits for any tick already running, so no
// scheduled job outlives it.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		logrus.Info("Scheduler stopped")
	}
}
