package configstream

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitaliisemenov/configstream/internal/apierr"
	"github.com/vitaliisemenov/configstream/internal/configtype"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

const (
	defaultRequestTimeout        = 2000 * time.Millisecond
	defaultInitializationTimeout = 5000 * time.Millisecond
	defaultInactivityTimeout     = 30000 * time.Millisecond
	defaultRetryDelay            = 200 * time.Millisecond
	defaultKeepAlive             = 60 * time.Second
)

// Options configures a streaming Client created with New.
type Options struct {
	SDKKey  string `validate:"required"`
	BaseURL string `validate:"required"`

	RequestTimeout        time.Duration `validate:"gte=0"`
	InitializationTimeout time.Duration `validate:"gte=0"`
	InactivityTimeout     time.Duration `validate:"gte=0"`
	RetryDelay            time.Duration `validate:"gte=0"`

	Agent string

	// Context is the client-level evaluation context, merged under any
	// per-call context supplied to Get.
	Context configtype.Context `validate:"-"`

	// Required lists config names sent to the server in the replay
	// body. If InitializationTimeout elapses before any server frame,
	// each of them must be present among the fallbacks for New to
	// succeed; a server response is not checked against this list.
	Required []string `validate:"-"`

	// Fallbacks seeds the store with base values (no overrides) used
	// until the first server frame arrives, or permanently if the
	// server never responds within InitializationTimeout.
	Fallbacks map[string]any `validate:"-"`

	HTTPClient *http.Client         `validate:"-"`
	Logger     *slog.Logger         `validate:"-"`
	Registerer prometheus.Registerer `validate:"-"`
}

func (o *Options) Normalize() {
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.RequestTimeout == 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.InitializationTimeout == 0 {
		o.InitializationTimeout = defaultInitializationTimeout
	}
	if o.InactivityTimeout == 0 {
		o.InactivityTimeout = defaultInactivityTimeout
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = defaultRetryDelay
	}
}

func (o Options) validateOptions() error {
	if err := validate.Struct(o); err != nil {
		return apierr.Wrap(apierr.AuthError, fmt.Sprintf("invalid client options: %v", err), err)
	}
	return nil
}

// RestoreOptions configures Restore.
type RestoreOptions struct {
	Snapshot []byte `validate:"required"`

	// Connection, if non-nil, enables live continuation: the driver is
	// started in the background against these options. SDKKey and
	// BaseURL are still required within it.
	Connection *Options

	// Context overrides any context captured in the snapshot.
	Context configtype.Context
}

// SnapshotCacheOptions configures a cached streaming Client keyed by
// (BaseURL, SDKKey).
type SnapshotCacheOptions struct {
	Options
	KeepAlive time.Duration
}

func (o *SnapshotCacheOptions) Normalize() {
	o.Options.Normalize()
	if o.KeepAlive == 0 {
		o.KeepAlive = defaultKeepAlive
	}
}
