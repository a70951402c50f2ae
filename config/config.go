package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// LedgerConfig locates the chain and the two contracts the verifier reads.
type LedgerConfig struct {
	RPCURL           string `toml:"rpc_url"`
	ChainID          uint64 `toml:"chain_id"`
	RegistryContract string `toml:"registry_contract"`
	RouterContract   string `toml:"router_contract"`
}

// VerifyConfig tunes the listener and payment checks.
type VerifyConfig struct {
	MinStakeWei             string `toml:"min_stake_wei"`
	MinReputation           uint64 `toml:"min_reputation"`
	MinConfirmations        uint64 `toml:"min_confirmations"`
	Mode                    string `toml:"mode"`
	SkipPaymentVerification bool   `toml:"skip_payment_verification"`
	AllowUnsigned           bool   `toml:"allow_unsigned"`
}

// ProofConfig controls attestation issuance. The merchant signing key is
// never read from the file; it comes exclusively from RELAYGATE_MERCHANT_KEY.
type ProofConfig struct {
	Method            string   `toml:"method"`
	DomainName        string   `toml:"domain_name"`
	DomainVersion     string   `toml:"domain_version"`
	VerifyingContract string   `toml:"verifying_contract"`
	Expiry            Duration `toml:"expiry"`
}

// MonitorConfig tunes confirmation tracking.
type MonitorConfig struct {
	RequiredConfirmations uint64   `toml:"required_confirmations"`
	PollInterval          Duration `toml:"poll_interval"`
}

// DedupConfig selects the processed-payment store.
type DedupConfig struct {
	Backend       string   `toml:"backend"` // "memory" or "leveldb"
	Path          string   `toml:"path"`
	Retention     Duration `toml:"retention"`
	SweepInterval Duration `toml:"sweep_interval"`
}

// OrdersConfig locates the merchant order database.
type OrdersConfig struct {
	DatabasePath string `toml:"database_path"`
}

// SMTPConfig configures confirmation mail. Empty host disables mail.
type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"-"`
	Sender   string `toml:"sender"`
}

// RateLimitConfig bounds per-client request volume.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"requests_per_minute"`
	Burst             int     `toml:"burst"`
}

// Config is the full service configuration.
type Config struct {
	Listen      string          `toml:"listen"`
	Environment string          `toml:"environment"`
	Ledger      LedgerConfig    `toml:"ledger"`
	Verify      VerifyConfig    `toml:"verify"`
	Proof       ProofConfig     `toml:"proof"`
	Monitor     MonitorConfig   `toml:"monitor"`
	Dedup       DedupConfig     `toml:"dedup"`
	Orders      OrdersConfig    `toml:"orders"`
	SMTP        SMTPConfig      `toml:"smtp"`
	RateLimit   RateLimitConfig `toml:"rate_limit"`

	// MerchantKey is populated from the environment only.
	MerchantKey string `toml:"-"`
}

// Default returns the configuration used when the file omits a value.
func Default() Config {
	return Config{
		Listen:      ":8090",
		Environment: "development",
		Verify: VerifyConfig{
			MinReputation:    0,
			MinConfirmations: 6,
			Mode:             "strict",
		},
		Proof: ProofConfig{
			Method:        "eip712",
			DomainName:    "RelayGate",
			DomainVersion: "1",
			Expiry:        Duration{5 * time.Minute},
		},
		Monitor: MonitorConfig{
			RequiredConfirmations: 12,
			PollInterval:          Duration{30 * time.Second},
		},
		Dedup: DedupConfig{
			Backend:       "memory",
			Retention:     Duration{24 * time.Hour},
			SweepInterval: Duration{time.Hour},
		},
		Orders: OrdersConfig{
			DatabasePath: "relaygate-orders.db",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			Burst:             20,
		},
	}
}

// Load reads the TOML file at path (missing file means pure defaults),
// applies RELAYGATE_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("decode %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Listen, "RELAYGATE_LISTEN")
	setString(&c.Environment, "RELAYGATE_ENV")
	setString(&c.Ledger.RPCURL, "RELAYGATE_RPC_URL")
	if err := setUint(&c.Ledger.ChainID, "RELAYGATE_CHAIN_ID"); err != nil {
		return err
	}
	setString(&c.Ledger.RegistryContract, "RELAYGATE_REGISTRY_CONTRACT")
	setString(&c.Ledger.RouterContract, "RELAYGATE_ROUTER_CONTRACT")
	setString(&c.Verify.MinStakeWei, "RELAYGATE_MIN_STAKE_WEI")
	if err := setUint(&c.Verify.MinReputation, "RELAYGATE_MIN_REPUTATION"); err != nil {
		return err
	}
	if err := setUint(&c.Verify.MinConfirmations, "RELAYGATE_MIN_CONFIRMATIONS"); err != nil {
		return err
	}
	setString(&c.Verify.Mode, "RELAYGATE_VERIFY_MODE")
	if err := setBool(&c.Verify.SkipPaymentVerification, "RELAYGATE_SKIP_PAYMENT_VERIFICATION"); err != nil {
		return err
	}
	if err := setBool(&c.Verify.AllowUnsigned, "RELAYGATE_ALLOW_UNSIGNED"); err != nil {
		return err
	}
	setString(&c.Proof.Method, "RELAYGATE_PROOF_METHOD")
	setString(&c.Proof.VerifyingContract, "RELAYGATE_PROOF_CONTRACT")
	if err := setDuration(&c.Proof.Expiry, "RELAYGATE_PROOF_EXPIRY"); err != nil {
		return err
	}
	if err := setUint(&c.Monitor.RequiredConfirmations, "RELAYGATE_MONITOR_CONFIRMATIONS"); err != nil {
		return err
	}
	if err := setDuration(&c.Monitor.PollInterval, "RELAYGATE_MONITOR_INTERVAL"); err != nil {
		return err
	}
	setString(&c.Dedup.Backend, "RELAYGATE_DEDUP_BACKEND")
	setString(&c.Dedup.Path, "RELAYGATE_DEDUP_PATH")
	setString(&c.Orders.DatabasePath, "RELAYGATE_ORDERS_DB")
	setString(&c.SMTP.Host, "RELAYGATE_SMTP_HOST")
	setString(&c.SMTP.Port, "RELAYGATE_SMTP_PORT")
	setString(&c.SMTP.Username, "RELAYGATE_SMTP_USERNAME")
	setString(&c.SMTP.Password, "RELAYGATE_SMTP_PASSWORD")
	setString(&c.SMTP.Sender, "RELAYGATE_SMTP_SENDER")
	setString(&c.MerchantKey, "RELAYGATE_MERCHANT_KEY")
	return nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Ledger.RPCURL) == "" {
		return errors.New("ledger rpc_url is required (RELAYGATE_RPC_URL)")
	}
	if c.Ledger.ChainID == 0 {
		return errors.New("ledger chain_id is required")
	}
	if strings.TrimSpace(c.MerchantKey) == "" {
		return errors.New("RELAYGATE_MERCHANT_KEY is required")
	}
	switch c.Verify.Mode {
	case "", "strict", "degraded_on_failure":
	default:
		return fmt.Errorf("unknown verify mode %q", c.Verify.Mode)
	}
	switch c.Proof.Method {
	case "simple", "eip712":
	default:
		return fmt.Errorf("unknown proof method %q", c.Proof.Method)
	}
	switch c.Dedup.Backend {
	case "memory":
	case "leveldb":
		if strings.TrimSpace(c.Dedup.Path) == "" {
			return errors.New("dedup path is required for the leveldb backend")
		}
	default:
		return fmt.Errorf("unknown dedup backend %q", c.Dedup.Backend)
	}
	if c.Verify.MinStakeWei != "" {
		if _, ok := new(big.Int).SetString(c.Verify.MinStakeWei, 10); !ok {
			return fmt.Errorf("min_stake_wei %q is not a decimal integer", c.Verify.MinStakeWei)
		}
	}
	if c.Monitor.PollInterval.Duration <= 0 {
		return errors.New("monitor poll_interval must be positive")
	}
	if c.Dedup.Retention.Duration <= 0 || c.Dedup.SweepInterval.Duration <= 0 {
		return errors.New("dedup retention and sweep_interval must be positive")
	}
	return nil
}

// MinStake parses the configured stake floor. Empty means no floor.
func (c *Config) MinStake() *big.Int {
	if c.Verify.MinStakeWei == "" {
		return new(big.Int)
	}
	stake, _ := new(big.Int).SetString(c.Verify.MinStakeWei, 10)
	return stake
}

func setString(dst *string, key string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		*dst = raw
	}
}

func setUint(dst *uint64, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	val, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = val
	return nil
}

func setBool(dst *bool, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = val
	return nil
}

func setDuration(dst *Duration, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	dst.Duration = val
	return nil
}
