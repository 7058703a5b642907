// Package console serves the latest sensor reading over SSH as plain text.
//
// A session with a terminal gets a live view redrawn on every new reading.
// A session without one (ssh host < /dev/null, or any command) gets one
// rendering and is closed.
package console

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/gliderlabs/ssh"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	gossh "golang.org/x/crypto/ssh"

	"code.nkcmr.net/co2sensor/internal/monitor"
)

// Source provides snapshots to render. *monitor.Monitor implements it.
type Source interface {
	Snapshot() monitor.Snapshot
	Subscribe() (<-chan monitor.Snapshot, func())
}

const clearScreen = "\x1b[H\x1b[2J"

// Render writes a title, then either the status line or the three readings.
func Render(w io.Writer, snap monitor.Snapshot) error {
	if _, err := fmt.Fprint(w, "CO2 Sensor\r\n"); err != nil {
		return err
	}
	if !snap.Valid() {
		_, err := fmt.Fprintf(w, "  %s\r\n", snap.Status)
		return err
	}
	m := snap.Measurement
	_, err := fmt.Fprintf(w,
		"  Temperature  %7.2f  C\r\n  Humidity     %7.2f  %%\r\n  CO2          %7d  ppm\r\n  serial %s, updated %s\r\n",
		m.Temperature, m.Humidity, m.CO2, snap.Serial, snap.Updated.Format("15:04:05"),
	)
	return err
}

type Server struct {
	srv *ssh.Server
	src Source
	log logrus.FieldLogger
}

// New returns a console listening on addr once served.
func New(addr string, src Source, hostKey gossh.Signer, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{src: src, log: log}
	s.srv = &ssh.Server{
		Addr:    addr,
		Handler: s.handle,
	}
	s.srv.AddHostKey(hostKey)
	return s
}

// ListenAndServe serves until Shutdown or Close, after which it returns nil.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.srv.Addr).Info("ssh console listening")
	return ignoreClosed(s.srv.ListenAndServe())
}

func (s *Server) Serve(l net.Listener) error {
	return ignoreClosed(s.srv.Serve(l))
}

func ignoreClosed(err error) error {
	if err == ssh.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) handle(sess ssh.Session) {
	log := s.log.WithFields(logrus.Fields{
		"user":   sess.User(),
		"remote": sess.RemoteAddr().String(),
	})
	log.Debug("console session opened")
	defer log.Debug("console session closed")

	_, _, isPty := sess.Pty()
	if !isPty || len(sess.Command()) > 0 {
		if err := Render(sess, s.src.Snapshot()); err != nil {
			log.WithError(err).Debug("writing snapshot")
		}
		_ = sess.Exit(0)
		return
	}

	updates, cancel := s.src.Subscribe()
	defer cancel()
	for {
		select {
		case <-sess.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if _, err := io.WriteString(sess, clearScreen); err != nil {
				return
			}
			if err := Render(sess, snap); err != nil {
				return
			}
		}
	}
}

// LoadHostKey reads a PEM encoded private key from path. With an empty path
// a new ed25519 key is generated; clients will see a different host key on
// every start.
func LoadHostKey(path string) (gossh.Signer, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, errors.Wrap(err, "generating host key")
		}
		return gossh.NewSignerFromKey(priv)
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading host key")
	}
	signer, err := gossh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing host key %s", path)
	}
	return signer, nil
}
