// Package device collects the host snapshot attached to every log.
package device

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Chichichkin/telemetry-agent/internal/logging"
)

// ErrUnavailable wraps every failure to read host metadata.
var ErrUnavailable = errors.New("device: information unavailable")

const (
	SDKName = "telemetry-agent"

	osReleasePath = "/proc/sys/kernel/osrelease"
)

// SDKVersion is overridden at build time with -ldflags.
var SDKVersion = "dev"

type HostProvider struct {
	appVersion string

	hostname func() (string, error)
	getenv   func(string) string
	readFile func(string) ([]byte, error)
	now      func() time.Time

	mu     sync.Mutex
	cached *logging.Device
}

var _ logging.DeviceProvider = (*HostProvider)(nil)

func NewHostProvider(appVersion string) *HostProvider {
	return &HostProvider{
		appVersion: appVersion,
		hostname:   os.Hostname,
		getenv:     os.Getenv,
		readFile:   os.ReadFile,
		now:        time.Now,
	}
}

// Device returns a copy of the host snapshot. The snapshot is read once and
// cached; a failed read is retried on the next call.
func (p *HostProvider) Device() (*logging.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached == nil {
		d, err := p.collect()
		if err != nil {
			return nil, err
		}
		p.cached = d
	}

	snap := *p.cached
	_, offset := p.now().Zone()
	snap.TimeZoneOffset = offset / 60
	return &snap, nil
}

func (p *HostProvider) collect() (*logging.Device, error) {
	host, err := p.hostname()
	if err != nil {
		return nil, fmt.Errorf("%w: hostname: %v", ErrUnavailable, err)
	}

	return &logging.Device{
		SDKName:    SDKName,
		SDKVersion: SDKVersion,
		OSName:     runtime.GOOS,
		OSArch:     runtime.GOARCH,
		OSVersion:  p.osVersion(),
		Hostname:   host,
		Locale:     p.locale(),
		AppVersion: p.appVersion,
	}, nil
}

func (p *HostProvider) osVersion() string {
	if runtime.GOOS != "linux" {
		return ""
	}
	raw, err := p.readFile(osReleasePath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// locale follows the POSIX precedence LC_ALL, LC_MESSAGES, LANG and strips
// the encoding suffix.
func (p *HostProvider) locale() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := p.getenv(key)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		return strings.ReplaceAll(v, "_", "-")
	}
	return ""
}
