package services

import (
	"context"

	"live-bidding/internal/domain"
	"live-bidding/pkg/logger"

	"github.com/robfig/cron/v3"
)

type ScheduleSpecs struct {
	Expiry string
	Warm   string
}

// CronAuctionScheduler runs the cluster-wide periodic jobs. A job only runs on
// the instance holding leadership at the time it fires.
type CronAuctionScheduler struct {
	cron       *cron.Cron
	manager    *AuctionManager
	leader     domain.LeaderElection
	instanceID string
	specs      ScheduleSpecs
	log        logger.Logger
}

func NewCronAuctionScheduler(manager *AuctionManager, leader domain.LeaderElection, instanceID string,
	specs ScheduleSpecs, log logger.Logger) *CronAuctionScheduler {
	return &CronAuctionScheduler{
		cron:       cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		manager:    manager,
		leader:     leader,
		instanceID: instanceID,
		specs:      specs,
		log:        log,
	}
}

func (s *CronAuctionScheduler) Start(ctx context.Context) error {
	s.log.Info("Starting auction scheduler", "expiry", s.specs.Expiry, "warm", s.specs.Warm)

	if _, err := s.cron.AddFunc(s.specs.Expiry, func() { s.expire(ctx) }); err != nil {
		return err
	}
	if s.specs.Warm != "" {
		if _, err := s.cron.AddFunc(s.specs.Warm, func() { s.warm(ctx) }); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop waits for running jobs and gives up leadership.
func (s *CronAuctionScheduler) Stop(ctx context.Context) error {
	s.log.Info("Stopping auction scheduler")
	<-s.cron.Stop().Done()
	return s.leader.ReleaseLeadership(ctx, s.instanceID)
}

func (s *CronAuctionScheduler) isLeader(ctx context.Context) bool {
	ok, err := s.leader.IsLeader(ctx, s.instanceID)
	if err == nil && !ok {
		ok, err = s.leader.BecomeLeader(ctx, s.instanceID)
	}
	if err != nil {
		s.log.Error("Leader check failed", "instance_id", s.instanceID, "error", err)
		return false
	}
	return ok
}

func (s *CronAuctionScheduler) expire(ctx context.Context) {
	if !s.isLeader(ctx) {
		return
	}
	n, err := s.manager.ExpireAuctions(ctx)
	if err != nil {
		s.log.Error("Expiry sweep failed", "ended", n, "error", err)
		return
	}
	if n > 0 {
		s.log.Info("Expiry sweep ended auctions", "ended", n)
	}
}

func (s *CronAuctionScheduler) warm(ctx context.Context) {
	if !s.isLeader(ctx) {
		return
	}
	n, err := s.manager.WarmCache(ctx)
	if err != nil {
		s.log.Error("Cache warm-up failed", "error", err)
		return
	}
	s.log.Debug("Cache warmed", "auctions", n)
}
