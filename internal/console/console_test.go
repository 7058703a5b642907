package console

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	gossh "golang.org/x/crypto/ssh"

	"code.nkcmr.net/co2sensor/internal/monitor"
	"code.nkcmr.net/co2sensor/scd4x"
)

type staticSource struct {
	snap monitor.Snapshot
}

func (s staticSource) Snapshot() monitor.Snapshot { return s.snap }

func (s staticSource) Subscribe() (<-chan monitor.Snapshot, func()) {
	ch := make(chan monitor.Snapshot, 1)
	ch <- s.snap
	return ch, func() {}
}

var measuring = monitor.Snapshot{
	Status:      monitor.Measuring,
	Serial:      0x73b1eb073b0c,
	Measurement: scd4x.Measurement{CO2: 850, Temperature: 22.5, Humidity: 41.25},
	Updated:     time.Date(2024, 3, 1, 12, 30, 5, 0, time.UTC),
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		snap monitor.Snapshot
		want []string
	}{
		{
			name: "initializing",
			snap: monitor.Snapshot{Status: monitor.Initializing},
			want: []string{"CO2 Sensor", "Initializing.."},
		},
		{
			name: "no sensor",
			snap: monitor.Snapshot{Status: monitor.NoSensor},
			want: []string{"CO2 Sensor", "No sensor found!"},
		},
		{
			name: "waiting for first reading",
			snap: monitor.Snapshot{Status: monitor.Measuring},
			want: []string{"CO2 Sensor", "Measuring"},
		},
		{
			name: "reading",
			snap: measuring,
			want: []string{"Temperature    22.50  C", "Humidity       41.25  %", "CO2              850  ppm", "73B1EB073B0C", "12:30:05"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Render(&buf, tt.snap); err != nil {
				t.Fatal(err)
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output %q does not contain %q", buf.String(), want)
				}
			}
		})
	}
}

func TestLoadHostKey(t *testing.T) {
	generated, err := LoadHostKey("")
	if err != nil {
		t.Fatal(err)
	}
	if generated.PublicKey().Type() != gossh.KeyAlgoED25519 {
		t.Errorf("generated key type %s", generated.PublicKey().Type())
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "host_key.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadHostKey(path)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := gossh.NewSignerFromKey(priv)
	if !bytes.Equal(loaded.PublicKey().Marshal(), want.PublicKey().Marshal()) {
		t.Error("loaded key does not match the file")
	}

	if _, err := LoadHostKey(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestSession(t *testing.T) {
	key, err := LoadHostKey("")
	if err != nil {
		t.Fatal(err)
	}
	log, _ := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	srv := New("127.0.0.1:0", staticSource{snap: measuring}, key, log)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(l) }()
	defer srv.Close()

	client, err := gossh.Dial("tcp", l.Addr().String(), &gossh.ClientConfig{
		User:            "reader",
		HostKeyCallback: gossh.FixedHostKey(key.PublicKey()),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	out, err := sess.Output("show")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "CO2              850  ppm") {
		t.Errorf("unexpected output %q", out)
	}
}
