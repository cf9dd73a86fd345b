/*
Copyright 2021 The Custodian Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package interrupts exposes helpers for graceful handling of interrupt
// signals. Contexts are cancelled, servers are shut down and work
// registered here is given a grace period to finish before the process
// exits. The first interrupt starts the graceful shutdown; a second one
// exits immediately.
package interrupts

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// only one instance of the manager ever exists
var single *manager

func init() {
	m := sync.Mutex{}
	single = &manager{
		c:  sync.NewCond(&m),
		wg: sync.WaitGroup{},
	}
	runtimeCtx, runtimeCancel := context.WithCancel(context.Background())
	single.ctx = runtimeCtx
	go handleInterrupt(runtimeCancel)
}

type manager struct {
	// only one signal handler should be installed, so we use a cond to
	// broadcast to all registered consumers that an interrupt occurred
	c *sync.Cond
	// we record whether we've received the signal already in case new
	// consumers are added after it fires
	seenSignal bool
	// ctx is cancelled on interrupt for those consumers that need it
	ctx context.Context
	// wg is the set of consumers we wait on before exiting
	wg sync.WaitGroup
}

// handleInterrupt turns the first signal into a broadcast and lets a
// second one kill the process outright.
func handleInterrupt(cancel context.CancelFunc) {
	signalsLock.Lock()
	sigChan := signals()
	signalsLock.Unlock()
	s := <-sigChan
	logrus.WithField("signal", s).Info("Received signal.")
	cancel()
	single.c.L.Lock()
	single.seenSignal = true
	single.c.Broadcast()
	single.c.L.Unlock()

	go func() {
		s := <-sigChan
		logrus.WithField("signal", s).Fatal("Received second signal, exiting.")
	}()
}

// test initialization will set the signals channel in another goroutine
// so we need to synchronize that in order to not trigger the race detector
// even though we know that init() calls will be serial and the test init()
// will fire first
var signalsLock = sync.Mutex{}

// signals allows for testing to provide a mock signal channel
var signals = func() <-chan os.Signal {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	return sig
}

// wait executes the cancel when an interrupt is seen or if one has already
// been handled
func wait(cancel func()) {
	single.c.L.Lock()
	if !single.seenSignal {
		single.c.Wait()
	}
	single.c.L.Unlock()
	cancel()
}

// Context returns a context that is cancelled when an interrupt hits.
// Using this context is a weak guarantee that your work will finish before
// process exit; users should prefer Run unless they explicitly coordinate
// with WaitForGracefulShutdown.
func Context() context.Context {
	return single.ctx
}

// Run executes the provided work, cancelling it on interrupt and ensuring
// the process does not exit before the work returns.
func Run(work func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	single.wg.Add(1)
	go func() {
		defer single.wg.Done()
		work(ctx)
	}()

	go wait(cancel)
}

// ListenAndServer is typically an http.Server
type ListenAndServer interface {
	Shutdown(context.Context) error
	ListenAndServe() error
}

// ListenAndServe runs the HTTP server, shutting it down gracefully on
// interrupt with the given grace period, and ensures the process does not
// exit before shutdown finishes.
func ListenAndServe(server ListenAndServer, gracePeriod time.Duration) {
	single.wg.Add(1)
	go func() {
		defer single.wg.Done()
		logrus.WithError(server.ListenAndServe()).Info("Server exited.")
	}()

	go wait(shutdown(server, gracePeriod))
}

// ListenAndServeTLS runs the TLS server in the same manner as
// ListenAndServe.
func ListenAndServeTLS(server *http.Server, certFile, keyFile string, gracePeriod time.Duration) {
	single.wg.Add(1)
	go func() {
		defer single.wg.Done()
		logrus.WithError(server.ListenAndServeTLS(certFile, keyFile)).Info("Server exited.")
	}()

	go wait(shutdown(server, gracePeriod))
}

func shutdown(server ListenAndServer, gracePeriod time.Duration) func() {
	return func() {
		logrus.Info("Server shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), gracePeriod)
		if err := server.Shutdown(ctx); err != nil {
			logrus.WithError(err).Info("Error shutting down server...")
		}
		cancel()
	}
}

// Tick runs the work on an interval determined by calling interval after
// every execution, until an interrupt is received. The final execution is
// allowed to finish before process exit.
func Tick(work func(), interval func() time.Duration) {
	before := time.Time{} // we want to execute immediately on start
	sig := make(chan int, 1)
	single.wg.Add(1)
	go func() {
		defer single.wg.Done()
		for {
			nextInterval := interval()
			nextTick := before.Add(nextInterval)
			sleep := time.Until(nextTick)
			logrus.WithFields(logrus.Fields{
				"before":   before,
				"interval": nextInterval,
				"sleep":    sleep,
			}).Debug("Resolved next tick interval.")
			select {
			case <-time.After(sleep):
				before = time.Now()
				work()
			case <-sig:
				logrus.Info("Ticker exiting...")
				return
			}
		}
	}()

	go wait(func() {
		sig <- 1
	})
}

// TickLiteral runs Tick with an unchanging interval.
func TickLiteral(work func(), interval time.Duration) {
	Tick(work, func() time.Duration {
		return interval
	})
}

// OnInterrupt ensures that work is done when an interrupt is received
// and that the process waits for it.
func OnInterrupt(work func()) {
	single.wg.Add(1)
	go wait(func() {
		defer single.wg.Done()
		work()
	})
}

// WaitForGracefulShutdown waits until all registered servers, work and
// interrupt hooks have finished. Call this at the end of main.
func WaitForGracefulShutdown() {
	wait(func() {
		logrus.Info("Interrupt received.")
	})
	single.wg.Wait()
	logrus.Info("All workers gracefully terminated, exiting.")
}
