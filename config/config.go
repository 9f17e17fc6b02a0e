package config

import (
	"os"
	"strings"
	"time"

	orchestration "github.com/goliatone/go-orchestration"
	rcron "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration of an orchestrator process.
type Config struct {
	Store      StoreConfig      `json:"store" yaml:"store"`
	Reconciler ReconcilerConfig `json:"reconciler" yaml:"reconciler"`
	Lock       LockConfig       `json:"lock" yaml:"lock"`
	Sweeper    SweeperConfig    `json:"sweeper" yaml:"sweeper"`
	Codec      CodecConfig      `json:"codec" yaml:"codec"`
	Engine     EngineConfig     `json:"engine" yaml:"engine"`
	Notify     NotifyConfig     `json:"notify" yaml:"notify"`
	Delegate   DelegateConfig   `json:"delegate" yaml:"delegate"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

type ReconcilerConfig struct {
	Workers            int           `json:"workers" yaml:"workers"`
	ProcessingDuration time.Duration `json:"processing_duration" yaml:"processing_duration"`
	FinalBatchSize     int           `json:"final_batch_size" yaml:"final_batch_size"`
	ProgressBatchSize  int           `json:"progress_batch_size" yaml:"progress_batch_size"`
	RunInterval        time.Duration `json:"run_interval" yaml:"run_interval"`
	MaxClaimsPerCycle  int           `json:"max_claims_per_cycle" yaml:"max_claims_per_cycle"`
}

type BackoffConfig struct {
	Base   time.Duration `json:"base" yaml:"base"`
	Factor float64       `json:"factor" yaml:"factor"`
	Max    time.Duration `json:"max" yaml:"max"`
}

type LockConfig struct {
	TTL         time.Duration `json:"ttl" yaml:"ttl"`
	WaitTimeout time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
	Backoff     BackoffConfig `json:"backoff" yaml:"backoff"`
}

type SweeperConfig struct {
	ExpirySchedule string        `json:"expiry_schedule" yaml:"expiry_schedule"`
	ResponseTTL    time.Duration `json:"response_ttl" yaml:"response_ttl"`
}

type CodecConfig struct {
	CompressThreshold int `json:"compress_threshold" yaml:"compress_threshold"`
}

// EngineConfig tunes plan execution. TimerTimeout and TimerRetries bound
// each run of a retry wait or intervention timeout; RecoverSchedule is how
// often waits recorded by other instances are picked up.
type EngineConfig struct {
	PlanMaxDepth    int           `json:"plan_max_depth" yaml:"plan_max_depth"`
	WorkerID        string        `json:"worker_id" yaml:"worker_id"`
	TimerTimeout    time.Duration `json:"timer_timeout" yaml:"timer_timeout"`
	TimerRetries    int           `json:"timer_retries" yaml:"timer_retries"`
	RecoverSchedule string        `json:"recover_schedule" yaml:"recover_schedule"`
}

type NotifyConfig struct {
	Retention time.Duration `json:"retention" yaml:"retention"`
}

type DelegateConfig struct {
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// Default returns the configuration used when a field is left empty.
func Default() Config {
	return Config{
		Store: StoreConfig{Driver: DriverMemory},
		Reconciler: ReconcilerConfig{
			Workers:            1,
			ProcessingDuration: 60 * time.Second,
			FinalBatchSize:     20,
			ProgressBatchSize:  1000,
			RunInterval:        time.Second,
			MaxClaimsPerCycle:  1000,
		},
		Lock: LockConfig{
			TTL:         30 * time.Second,
			WaitTimeout: 10 * time.Second,
			Backoff: BackoffConfig{
				Base:   10 * time.Millisecond,
				Factor: 2,
				Max:    500 * time.Millisecond,
			},
		},
		Sweeper: SweeperConfig{
			ExpirySchedule: "@every 1m",
			ResponseTTL:    24 * time.Hour,
		},
		Codec:    CodecConfig{CompressThreshold: 4096},
		Engine: EngineConfig{
			PlanMaxDepth:    10,
			WorkerID:        "orchestrator",
			TimerTimeout:    time.Minute,
			TimerRetries:    3,
			RecoverSchedule: "@every 1m",
		},
		Notify:   NotifyConfig{Retention: time.Hour},
		Delegate: DelegateConfig{Workers: 4, QueueSize: 64},
		Metrics:  MetricsConfig{Namespace: "orchestration"},
	}
}

// Parse decodes YAML or JSON, fills defaults and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	// yaml can handle JSON too, so a single attempt is fine
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, orchestration.NewError(orchestration.ErrInvalidConfig, "parse config", err, nil)
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, orchestration.NewError(orchestration.ErrInvalidConfig,
			"read config "+path, err, map[string]any{"path": path})
	}
	return Parse(data)
}

// ApplyDefaults fills zero fields from Default.
func (c *Config) ApplyDefaults() {
	d := Default()

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}

	r := &c.Reconciler
	setInt(&r.Workers, d.Reconciler.Workers)
	setDuration(&r.ProcessingDuration, d.Reconciler.ProcessingDuration)
	setInt(&r.FinalBatchSize, d.Reconciler.FinalBatchSize)
	setInt(&r.ProgressBatchSize, d.Reconciler.ProgressBatchSize)
	setDuration(&r.RunInterval, d.Reconciler.RunInterval)
	setInt(&r.MaxClaimsPerCycle, d.Reconciler.MaxClaimsPerCycle)

	setDuration(&c.Lock.TTL, d.Lock.TTL)
	setDuration(&c.Lock.WaitTimeout, d.Lock.WaitTimeout)
	setDuration(&c.Lock.Backoff.Base, d.Lock.Backoff.Base)
	if c.Lock.Backoff.Factor == 0 {
		c.Lock.Backoff.Factor = d.Lock.Backoff.Factor
	}
	setDuration(&c.Lock.Backoff.Max, d.Lock.Backoff.Max)

	if strings.TrimSpace(c.Sweeper.ExpirySchedule) == "" {
		c.Sweeper.ExpirySchedule = d.Sweeper.ExpirySchedule
	}
	setDuration(&c.Sweeper.ResponseTTL, d.Sweeper.ResponseTTL)

	setInt(&c.Codec.CompressThreshold, d.Codec.CompressThreshold)
	setInt(&c.Engine.PlanMaxDepth, d.Engine.PlanMaxDepth)
	if strings.TrimSpace(c.Engine.WorkerID) == "" {
		c.Engine.WorkerID = d.Engine.WorkerID
	}
	setDuration(&c.Engine.TimerTimeout, d.Engine.TimerTimeout)
	setInt(&c.Engine.TimerRetries, d.Engine.TimerRetries)
	if strings.TrimSpace(c.Engine.RecoverSchedule) == "" {
		c.Engine.RecoverSchedule = d.Engine.RecoverSchedule
	}
	setDuration(&c.Notify.Retention, d.Notify.Retention)
	setInt(&c.Delegate.Workers, d.Delegate.Workers)
	setInt(&c.Delegate.QueueSize, d.Delegate.QueueSize)
	if strings.TrimSpace(c.Metrics.Namespace) == "" {
		c.Metrics.Namespace = d.Metrics.Namespace
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return orchestration.Errorf(orchestration.ErrInvalidConfig, "store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "store.driver %q not supported", c.Store.Driver)
	}
	if c.Reconciler.Workers < 1 {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "reconciler.workers must be > 0")
	}
	if c.Reconciler.FinalBatchSize < 1 || c.Reconciler.ProgressBatchSize < 1 {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "reconciler batch sizes must be > 0")
	}
	if c.Reconciler.ProcessingDuration <= 0 {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "reconciler.processing_duration must be > 0")
	}
	if c.Lock.TTL <= 0 || c.Lock.WaitTimeout <= 0 {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "lock.ttl and lock.wait_timeout must be > 0")
	}
	if c.Lock.Backoff.Factor < 1 {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "lock.backoff.factor must be >= 1")
	}
	if c.Lock.Backoff.Max < c.Lock.Backoff.Base {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "lock.backoff.max must be >= lock.backoff.base")
	}
	if _, err := rcron.ParseStandard(c.Sweeper.ExpirySchedule); err != nil {
		return orchestration.NewError(orchestration.ErrInvalidConfig, "sweeper.expiry_schedule invalid", err,
			map[string]any{"expiry_schedule": c.Sweeper.ExpirySchedule})
	}
	if c.Codec.CompressThreshold < 0 {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "codec.compress_threshold must be >= 0")
	}
	if c.Engine.PlanMaxDepth < 1 {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "engine.plan_max_depth must be > 0")
	}
	if c.Engine.TimerTimeout < 0 || c.Engine.TimerRetries < 0 {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "engine.timer_timeout and engine.timer_retries must be >= 0")
	}
	if _, err := rcron.ParseStandard(c.Engine.RecoverSchedule); err != nil {
		return orchestration.NewError(orchestration.ErrInvalidConfig, "engine.recover_schedule invalid", err,
			map[string]any{"recover_schedule": c.Engine.RecoverSchedule})
	}
	if c.Delegate.Workers < 1 {
		return orchestration.Errorf(orchestration.ErrInvalidConfig, "delegate.workers must be > 0")
	}
	return nil
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}
