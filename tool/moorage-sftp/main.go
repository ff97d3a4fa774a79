/*
Copyright 2024 Quayside Labs

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

// Command moorage-sftp serves the sftp subsystem of one session over its
// standard streams. It is spawned by the session layer with the streams
// wired to the subsystem channel and exits when the client closes the
// channel or the process receives a termination signal.
package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/quayside/moorage"
	"github.com/quayside/moorage/lib/privs"
	"github.com/quayside/moorage/lib/sftpd"
)

func main() {
	username := pflag.String("user", "", "serve files as this local user (default: the invoking user)")
	debug := pflag.Bool("debug", false, "verbose logging")
	pflag.Parse()

	log.SetOutput(os.Stderr)
	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.WithField(moorage.Component, moorage.ComponentSFTP)

	if err := run(*username, logger); err != nil {
		logger.WithError(err).Error("Subsystem terminated.")
		os.Exit(1)
	}
}

func run(username string, logger *log.Entry) error {
	// The protocol is binary and frames the streams itself; a terminal on
	// stdin means the binary was started by hand.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return trace.BadParameter("stdin is a terminal; this command serves an sftp channel and is not meant to be run interactively")
	}

	if username == "" {
		current, err := user.Current()
		if err != nil {
			return trace.Wrap(err)
		}
		username = current.Username
	}
	identity, err := privs.LookupIdentity(username)
	if err != nil {
		return trace.Wrap(err)
	}

	fileServer, err := sftpd.NewServer(sftpd.Config{Identity: identity})
	if err != nil {
		return trace.Wrap(err)
	}
	requestServer := sftp.NewRequestServer(stdioConn{}, sftpd.NewHandlers(fileServer))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger.WithField("user", identity.Username).Info("Serving sftp subsystem.")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return requestServer.Serve()
	})
	g.Go(func() error {
		<-ctx.Done()
		return requestServer.Close()
	})

	serveErr := g.Wait()
	if errors.Is(serveErr, io.EOF) || errors.Is(serveErr, os.ErrClosed) {
		// The client hung up, or a termination signal closed the streams
		// out from under the serve loop.
		return nil
	}
	return trace.Wrap(serveErr)
}

// stdioConn bridges the process's standard streams into the single
// read-write-closer the request server consumes.
type stdioConn struct{}

func (stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func (stdioConn) Close() error {
	err := os.Stdin.Close()
	if err2 := os.Stdout.Close(); err == nil {
		err = err2
	}
	return err
}
