// Package resolver decides the operating mode and produces the validated
// detector configuration the controller starts with.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/LeoCommon/rtt-drone/internal/detector"
	"github.com/LeoCommon/rtt-drone/internal/faults"
	"github.com/LeoCommon/rtt-drone/internal/link"
	"github.com/LeoCommon/rtt-drone/internal/session"
	"github.com/LeoCommon/rtt-drone/pkg/log"
	"go.uber.org/zap"
)

var (
	ErrNoConfigYet = errors.New("no configuration received yet")
	ErrLinkClosed  = errors.New("link closed while waiting for configuration")
)

// Link is the part of the link session the resolver talks through
type Link interface {
	WaitConnected(ctx context.Context) error
	Inbound() <-chan link.Message
	Respond(ctx context.Context, req link.Message, err error) error
}

type Locator interface {
	ConfigCandidates() []string
	OutputRoot() string
}

type Options struct {
	// Nil when no radio is configured
	Link    Link
	Locator Locator
	Limits  detector.Limits
}

type Resolver struct {
	link    Link
	locator Locator
	limits  detector.Limits
}

func New(opts Options) *Resolver {
	return &Resolver{
		link:    opts.Link,
		locator: opts.Locator,
		limits:  opts.Limits,
	}
}

// Resolve waits up to timeout for the link. A connected link makes the ground
// station authoritative and Resolve blocks until it sent a valid config.
// Otherwise the config is read from local sources.
func (r *Resolver) Resolve(ctx context.Context, timeout time.Duration) (session.Mode, detector.Config, error) {
	if r.link != nil && timeout > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		err := r.link.WaitConnected(waitCtx)
		cancel()

		if err == nil {
			log.Info("link established, waiting for configuration from the ground station")
			cfg, err := r.AwaitConfig(ctx)
			return session.ModeConnected, cfg, err
		}

		if ctx.Err() != nil {
			return session.ModeAutonomous, detector.Config{}, ctx.Err()
		}
		log.Info("no link within timeout, resolving configuration locally", zap.Duration("timeout", timeout))
	}

	cfg, err := r.ResolveLocal()
	return session.ModeAutonomous, cfg, err
}

// AwaitConfig blocks on the first valid config message. Invalid configs are
// rejected and the wait goes on.
func (r *Resolver) AwaitConfig(ctx context.Context) (detector.Config, error) {
	for {
		select {
		case <-ctx.Done():
			return detector.Config{}, ctx.Err()

		case msg, ok := <-r.link.Inbound():
			if !ok {
				return detector.Config{}, faults.NewConfigurationError("link", "", ErrLinkClosed)
			}

			switch msg.Type {
			case link.TypeConfig:
				cfg, err := r.FromMessage(msg)
				r.respond(ctx, msg, err)
				if err != nil {
					log.Warn("rejected configuration from the ground station", zap.Error(err))
					continue
				}
				log.Info("configuration received from the ground station", zap.Int("run", cfg.RunNum))
				return cfg, nil

			case link.TypeSync:
				r.respond(ctx, msg, nil)

			default:
				r.respond(ctx, msg, ErrNoConfigYet)
			}
		}
	}
}

func (r *Resolver) respond(ctx context.Context, msg link.Message, err error) {
	if rerr := r.link.Respond(ctx, msg, err); rerr != nil {
		log.Warn("failed to answer the ground station", zap.String("type", string(msg.Type)), zap.Error(rerr))
	}
}

// FromMessage validates a config sent by the ground station
func (r *Resolver) FromMessage(msg link.Message) (detector.Config, error) {
	if msg.Config == nil {
		return detector.Config{}, faults.NewConfigurationError("link", "config message without configuration", nil)
	}
	return r.Accept(*msg.Config, "link")
}

// Accept fills in the output root and validates cfg
func (r *Resolver) Accept(cfg detector.Config, source string) (detector.Config, error) {
	cfg = cfg.Clone()
	if cfg.OutputDir == "" && r.locator != nil {
		cfg.OutputDir = r.locator.OutputRoot()
	}

	if err := detector.Validate(cfg, r.limits); err != nil {
		var ce *faults.ConfigurationError
		if errors.As(err, &ce) && ce.Source == "" {
			ce.Source = source
		}
		return detector.Config{}, err
	}

	if cfg.OutputDir == "" {
		return detector.Config{}, faults.NewConfigurationError(source, "no output directory available", nil)
	}
	return cfg, nil
}

// ResolveLocal tries removable storage, then local storage. The first file
// that decodes and validates wins.
func (r *Resolver) ResolveLocal() (detector.Config, error) {
	if r.locator == nil {
		return detector.Config{}, faults.NewConfigurationError("", "no local configuration source", nil)
	}

	candidates := r.locator.ConfigCandidates()
	var errs []error

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			if !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
			}
			continue
		}

		cfg, err := detector.LoadFile(path)
		if err == nil {
			cfg, err = r.Accept(cfg, path)
		}
		if err != nil {
			log.Warn("skipping configuration file", zap.String("path", path), zap.Error(err))
			errs = append(errs, err)
			continue
		}

		log.Info("configuration loaded", zap.String("path", path), zap.String("output", cfg.OutputDir))
		return cfg, nil
	}

	if len(errs) == 0 {
		return detector.Config{}, faults.NewConfigurationError("", fmt.Sprintf("no configuration file found in %d locations", len(candidates)), nil)
	}
	return detector.Config{}, faults.NewConfigurationError("", "no valid configuration file", errors.Join(errs...))
}
