// Package main runs a headless call participant: it signs in as one user, listens for
// calls over Redis and either dials another user or answers whoever rings, using
// synthetic audio and video.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/campuscash/backend/config"
	"github.com/campuscash/backend/internal/calls"
	"github.com/campuscash/backend/internal/media"
	"github.com/campuscash/backend/internal/models"
	"github.com/campuscash/backend/internal/peer"
	"github.com/campuscash/backend/internal/realtime"
	"github.com/campuscash/backend/internal/signaling"
	"github.com/campuscash/backend/pkg/database"
	"github.com/campuscash/backend/pkg/queue"
	"github.com/campuscash/backend/pkg/redis"
)

var (
	userFlag   = flag.String("user", "", "User ID to act as (required)")
	nameFlag   = flag.String("name", "agent", "Display name shown to the other party")
	callFlag   = flag.String("call", "", "User ID to dial; empty waits for incoming calls")
	videoFlag  = flag.Bool("video", false, "Place a video call instead of audio only")
	answerFlag = flag.Bool("auto-answer", true, "Accept incoming calls; false declines them")
	holdFlag   = flag.Duration("duration", 30*time.Second, "Hang up after this long; 0 stays until interrupted")
	memoryFlag = flag.Bool("memory-log", false, "Keep the call log in memory instead of PostgreSQL")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	self, err := uuid.Parse(*userFlag)
	if err != nil {
		flag.Usage()
		return fmt.Errorf("-user must be a UUID: %w", err)
	}

	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	var repo calls.Repository = calls.NewMemoryRepository()
	if !*memoryFlag {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		repo = calls.NewRepository(pool)
	}

	factory, err := peer.NewFactory(peer.Config{
		ICEServers:      peer.ICEServers(cfg.WebRTC.ICEUrls),
		IncludeLoopback: cfg.WebRTC.IncludeLoopback,
	}, media.NewSyntheticSource(logger), logger)
	if err != nil {
		return err
	}

	channel := signaling.NewChannel(realtime.NewRedisPubSub(rdb.Client, logger), cfg.Calls.OfferTTL, logger)
	svc := calls.NewService(
		models.Profile{ID: self, Username: *nameFlag},
		channel,
		factory,
		calls.NewRecorder(repo, queue.NewQueue(rdb.Client, logger), logger),
		calls.NewRedisPairLock(rdb.Client),
		calls.Options{Enabled: cfg.Calls.Enabled, SignalTimeout: cfg.Calls.SignalTimeout, LockTTL: cfg.Calls.LockTTL},
		logger,
	)
	defer svc.Close()
	svc.OnEnded(func(c *calls.Call) {
		logger.Info("call ended", zap.String("call_id", c.ID.String()), zap.NamedError("reason", c.Err()))
	})

	if err := svc.Listen(ctx); err != nil {
		return err
	}

	if *callFlag != "" {
		callee, err := uuid.Parse(*callFlag)
		if err != nil {
			return fmt.Errorf("-call must be a UUID: %w", err)
		}
		return dial(ctx, svc, callee, logger)
	}
	return answer(ctx, svc, logger)
}

func dial(ctx context.Context, svc *calls.Service, callee uuid.UUID, logger *zap.Logger) error {
	c, err := svc.StartCall(ctx, callee, *videoFlag)
	if err != nil {
		return errors.New(calls.Notice(err))
	}
	if err := c.AwaitAnswer(ctx); err != nil {
		_ = svc.Hangup(context.Background(), c.ID)
		if errors.Is(err, calls.ErrRejected) {
			return errors.New("call declined")
		}
		return errors.New(calls.Notice(err))
	}
	logger.Info("call connected", zap.String("call_id", c.ID.String()))
	hold(ctx, c)
	return nil
}

func answer(ctx context.Context, svc *calls.Service, logger *zap.Logger) error {
	incoming := make(chan *calls.IncomingCall, 1)
	svc.OnIncoming(func(ic *calls.IncomingCall) {
		select {
		case incoming <- ic:
		default:
		}
	})
	logger.Info("waiting for calls", zap.Bool("auto_answer", *answerFlag))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ic := <-incoming:
			log := logger.With(zap.String("call_id", ic.ID.String()), zap.String("caller", ic.Caller.Username))
			if !*answerFlag {
				if err := svc.Decline(ctx, ic); err != nil {
					log.Warn("decline failed", zap.Error(err))
				}
				continue
			}
			c, err := svc.Accept(ctx, ic)
			if err != nil {
				log.Warn("accept failed", zap.String("notice", calls.Notice(err)), zap.Error(err))
				continue
			}
			log.Info("call connected")
			hold(ctx, c)
		}
	}
}

// hold keeps c up for -duration, until the other party hangs up or ctx is done.
func hold(ctx context.Context, c *calls.Call) {
	var timeout <-chan time.Time
	if *holdFlag > 0 {
		t := time.NewTimer(*holdFlag)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-c.Done():
		return
	case <-timeout:
	case <-ctx.Done():
	}
	c.Hangup()
	<-c.Done()
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
