package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/LeoCommon/rtt-drone/internal/drone"
	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/LeoCommon/rtt-drone/pkg/systemd"
	"go.uber.org/zap"
)

// Below the default WatchdogSec of the unit
const watchdogInterval = 10 * time.Second

func main() {
	app, err := drone.Setup(os.Args[1:])
	if err != nil || app == nil {
		fmt.Printf("Initialization failed, error: %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	watchdog := time.NewTicker(watchdogInterval)
	app.WG.Add(1)

	go func() {
		defer app.WG.Done()
		defer watchdog.Stop()

		for {
			select {
			case <-watchdog.C:
				_ = systemd.EntertainWatchdog()
				app.ReportHealth()

			case <-app.FlushSignal:
				log.Info("flush signal received")
				app.Controller.RequestFlush()

			case <-app.ExitSignal:
				log.Info("exit signal received - shutting down the controller")
				_ = systemd.Stopping()
				cancel()
				return

			case <-done:
				return
			}
		}
	}()

	res := app.Run(ctx)
	close(done)
	cancel()

	// Wait until everything terminates
	app.WG.Wait()

	EXIT_CODE := 0
	if res.Fatal {
		log.Error("controller stopped after a fatal fault", zap.String("state", res.Final), zap.Error(res.Err))
		EXIT_CODE = 1
	} else {
		log.Info("controller stopped", zap.String("state", res.Final))
	}

	app.Shutdown()

	// Final greetings :)
	log.Info("stopped listening for pings!")
	os.Exit(EXIT_CODE)
}
