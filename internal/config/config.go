// Package config handles configuration loading for the GIS ZHKH
// integration core.
//
// Configuration is loaded from a YAML file with environment variable
// expansion (${VAR} or $VAR syntax) so credentials and key paths can be
// injected at runtime.
//
// # Example configuration
//
//	gis:
//	  environment: production
//	  preferIP: true
//	  tls:
//	    certFile: /etc/gis/client.crt
//	    keyFile: /etc/gis/client.key
//	    trustBundle: /etc/gis/ca-bundle.pem
//	    cipherPolicy: gost
//	  schema:
//	    version: 13.1.10.1
//	    dir: /var/lib/gis/schemas
//	  redeemableCodes: [EXP001000]
//
//	storage:
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	    database: gis
//
//	keystore:
//	  mode: file
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oksifun/gis-300-sub001/pkg/transport"
)

// Config is the root configuration structure.
type Config struct {
	GIS      GISConfig      `yaml:"gis"`
	Storage  StorageConfig  `yaml:"storage"`
	Keystore KeystoreConfig `yaml:"keystore"`
	Exporter ExporterConfig `yaml:"exporter"`
}

// GISConfig holds everything about the remote service bus.
type GISConfig struct {
	Environment transport.Environment `yaml:"environment"`
	PreferIP    bool                  `yaml:"preferIP"`

	Tunnel *struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"tunnel"`

	TLS struct {
		Disabled     bool   `yaml:"disabled"`
		CertFile     string `yaml:"certFile"`
		KeyFile      string `yaml:"keyFile"`
		TrustBundle  string `yaml:"trustBundle"`
		CipherPolicy string `yaml:"cipherPolicy"`
		OCSPCheck    bool   `yaml:"ocspCheck"`
	} `yaml:"tls"`

	SandboxAuth struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"sandboxAuth"`

	Schema struct {
		Version string `yaml:"version"`
		Dir     string `yaml:"dir"`
	} `yaml:"schema"`

	Timeouts struct {
		Load        time.Duration `yaml:"load"`
		LoadCeiling time.Duration `yaml:"loadCeiling"`
		Operation   time.Duration `yaml:"operation"`
	} `yaml:"timeouts"`

	// RedeemableCodes lists the remote error codes treated as
	// transient; operational judgment, kept out of code.
	RedeemableCodes []string `yaml:"redeemableCodes"`
}

// StorageConfig holds database settings.
type StorageConfig struct {
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// MongoDBConfig holds MongoDB connection settings.
type MongoDBConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// KeystoreConfig selects how the client identity is loaded.
type KeystoreConfig struct {
	// Mode is "file" (PEM files on disk) or "pkcs11" (hardware token).
	Mode string `yaml:"mode"`

	PKCS11 PKCS11Config `yaml:"pkcs11"`
}

// PKCS11Config holds hardware token settings.
type PKCS11Config struct {
	ModulePath string `yaml:"modulePath"`
	SlotID     uint   `yaml:"slotId"`
	SlotLabel  string `yaml:"slotLabel"`
	PIN        string `yaml:"pin"`
	KeyLabel   string `yaml:"keyLabel"`
}

// ExporterConfig tunes the background export worker.
type ExporterConfig struct {
	PollInterval   time.Duration `yaml:"pollInterval"`
	BatchSize      int           `yaml:"batchSize"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.GIS.Environment == "" {
		c.GIS.Environment = transport.EnvSIT1
	}
	if c.GIS.TLS.CipherPolicy == "" {
		c.GIS.TLS.CipherPolicy = string(transport.CipherPolicyGOST)
	}
	if c.GIS.Timeouts.Load == 0 {
		c.GIS.Timeouts.Load = 10 * time.Second
	}
	if c.GIS.Timeouts.LoadCeiling == 0 {
		c.GIS.Timeouts.LoadCeiling = 160 * time.Second
	}
	if c.GIS.RedeemableCodes == nil {
		c.GIS.RedeemableCodes = []string{"EXP001000"}
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "gis"
	}
	if c.Keystore.Mode == "" {
		c.Keystore.Mode = "file"
	}
	if c.Exporter.PollInterval == 0 {
		c.Exporter.PollInterval = 30 * time.Second
	}
	if c.Exporter.BatchSize == 0 {
		c.Exporter.BatchSize = 100
	}
	if c.Exporter.MaxAttempts == 0 {
		c.Exporter.MaxAttempts = 5
	}
	if c.Exporter.InitialBackoff == 0 {
		c.Exporter.InitialBackoff = 5 * time.Second
	}
	if c.Exporter.MaxBackoff == 0 {
		c.Exporter.MaxBackoff = 5 * time.Minute
	}
}

func (c *Config) validate() error {
	switch c.GIS.Environment {
	case transport.EnvProduction, transport.EnvSIT1, transport.EnvSIT2:
	default:
		return fmt.Errorf("gis.environment must be production, sit01 or sit02, got %q", c.GIS.Environment)
	}

	if c.Storage.MongoDB.URI == "" {
		return fmt.Errorf("storage.mongodb.uri is required")
	}

	switch c.Keystore.Mode {
	case "file":
		if c.GIS.TLS.CertFile == "" || c.GIS.TLS.KeyFile == "" {
			return fmt.Errorf("gis.tls.certFile and keyFile are required in file keystore mode")
		}
	case "pkcs11":
		if c.Keystore.PKCS11.ModulePath == "" {
			return fmt.Errorf("keystore.pkcs11.modulePath is required in pkcs11 mode")
		}
	default:
		return fmt.Errorf("keystore.mode must be 'file' or 'pkcs11', got %q", c.Keystore.Mode)
	}

	if c.GIS.Environment == transport.EnvProduction && c.GIS.TLS.Disabled {
		return fmt.Errorf("gis.tls.disabled is only valid for sandbox environments")
	}
	return nil
}

// TransportConfig assembles the transport session configuration.
func (c *Config) TransportConfig() *transport.Config {
	tc := &transport.Config{
		Environment:      c.GIS.Environment,
		PreferIP:         c.GIS.PreferIP,
		DisableTLS:       c.GIS.TLS.Disabled,
		CipherPolicy:     transport.CipherPolicy(c.GIS.TLS.CipherPolicy),
		TrustBundle:      c.GIS.TLS.TrustBundle,
		OCSPCheck:        c.GIS.TLS.OCSPCheck,
		OperationTimeout: c.GIS.Timeouts.Operation,
	}
	if c.GIS.Tunnel != nil {
		tc.Tunnel = &transport.TunnelConfig{Host: c.GIS.Tunnel.Host, Port: c.GIS.Tunnel.Port}
	}
	if c.GIS.SandboxAuth.Username != "" {
		tc.SandboxAuth = &transport.BasicAuth{
			Username: c.GIS.SandboxAuth.Username,
			Password: c.GIS.SandboxAuth.Password,
		}
	}
	return tc
}
