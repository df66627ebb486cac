// Package config loads the gateway configuration from the environment and
// parses the server RSA keypair. Startup fails hard on a missing required
// variable or an unparseable key; there is no lazy re-initialization.
package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the process configuration assembled at startup.
type Config struct {
	DatabaseURL  string
	RedisURL     string
	IssuerURL    string // NEXT_APP_URL: origin of the authorization server
	PublicMcpURL string // MCP_PUBLIC_URL: origin of the protected resource
	Port         string
	ChainID      int64

	ServerPrivateKey *rsa.PrivateKey
	ServerPublicKey  *rsa.PublicKey

	McpClientID     string
	McpClientSecret string
	SessionSecret   string

	RelayerURL string

	// Tokens maps (chainID, lowercased token address) to the token's EIP-712
	// domain. The signer never hardcodes a token domain; it resolves here.
	Tokens TokenRegistry
}

// TokenDomain is the EIP-712 domain of an ERC-20 token contract.
type TokenDomain struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// TokenRegistry resolves token EIP-712 domains per chain.
type TokenRegistry map[string]TokenDomain

// tokenRegistryFile is the YAML shape of TOKEN_REGISTRY_FILE.
type tokenRegistryFile struct {
	Tokens []struct {
		ChainID int64  `yaml:"chain_id"`
		Address string `yaml:"address"`
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"tokens"`
}

func registryKey(chainID int64, address string) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(address))
}

// Lookup returns the registered domain for a token on a chain.
func (r TokenRegistry) Lookup(chainID int64, address string) (TokenDomain, bool) {
	d, ok := r[registryKey(chainID, address)]
	return d, ok
}

// Register adds a token domain to the registry.
func (r TokenRegistry) Register(chainID int64, address, name, version string) {
	r[registryKey(chainID, address)] = TokenDomain{Name: name, Version: version}
}

// Load reads the environment (and an optional .env file) into a Config.
func Load() (*Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		IssuerURL:       strings.TrimSuffix(os.Getenv("NEXT_APP_URL"), "/"),
		PublicMcpURL:    strings.TrimSuffix(os.Getenv("MCP_PUBLIC_URL"), "/"),
		Port:            os.Getenv("PORT"),
		McpClientID:     os.Getenv("MCP_CLIENT_ID"),
		McpClientSecret: os.Getenv("MCP_CLIENT_SECRET"),
		SessionSecret:   os.Getenv("SESSION_SECRET"),
		RelayerURL:      os.Getenv("RELAYER_URL"),
		Tokens:          TokenRegistry{},
	}

	if cfg.Port == "" {
		cfg.Port = "3001"
	}
	if cfg.McpClientID == "" {
		cfg.McpClientID = "x402-mcp-platform"
	}

	var missing []string
	for _, v := range []struct{ name, val string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
		{"NEXT_APP_URL", cfg.IssuerURL},
		{"MCP_PUBLIC_URL", cfg.PublicMcpURL},
		{"MCP_CLIENT_SECRET", cfg.McpClientSecret},
		{"SESSION_SECRET", cfg.SessionSecret},
	} {
		if v.val == "" {
			missing = append(missing, v.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}
	if len(cfg.SessionSecret) < 32 {
		return nil, fmt.Errorf("SESSION_SECRET must be at least 32 bytes, got %d", len(cfg.SessionSecret))
	}

	chainStr := os.Getenv("CHAIN_ID")
	if chainStr == "" {
		return nil, fmt.Errorf("missing required environment: CHAIN_ID")
	}
	chainID, err := strconv.ParseInt(chainStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("CHAIN_ID must be an integer: %w", err)
	}
	cfg.ChainID = chainID

	priv, err := ParsePrivateKeyPEM(os.Getenv("SERVER_PRIVATE_KEY"))
	if err != nil {
		return nil, fmt.Errorf("SERVER_PRIVATE_KEY: %w", err)
	}
	pub, err := ParsePublicKeyPEM(os.Getenv("SERVER_PUBLIC_KEY"))
	if err != nil {
		return nil, fmt.Errorf("SERVER_PUBLIC_KEY: %w", err)
	}
	cfg.ServerPrivateKey = priv
	cfg.ServerPublicKey = pub

	if path := os.Getenv("TOKEN_REGISTRY_FILE"); path != "" {
		if err := cfg.Tokens.LoadFile(path); err != nil {
			return nil, fmt.Errorf("TOKEN_REGISTRY_FILE: %w", err)
		}
	}

	return cfg, nil
}

// LoadFile merges token domains from a YAML registry file.
func (r TokenRegistry) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var file tokenRegistryFile
	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return fmt.Errorf("decode token registry: %w", err)
	}
	for _, t := range file.Tokens {
		if t.Address == "" || t.Name == "" {
			return fmt.Errorf("token registry entry missing address or name (chain %d)", t.ChainID)
		}
		version := t.Version
		if version == "" {
			version = "1"
		}
		r.Register(t.ChainID, t.Address, t.Name, version)
	}
	return nil
}

// ParsePrivateKeyPEM parses a PKCS#8 RSA private key from PEM text.
// Literal "\n" sequences are accepted so the key can live in a single-line
// environment variable.
func ParsePrivateKeyPEM(pemText string) (*rsa.PrivateKey, error) {
	block, err := decodePEM(pemText)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS#8: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return rsaKey, nil
}

// ParsePublicKeyPEM parses an SPKI RSA public key from PEM text.
func ParsePublicKeyPEM(pemText string) (*rsa.PublicKey, error) {
	block, err := decodePEM(pemText)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse SPKI: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaKey, nil
}

func decodePEM(pemText string) (*pem.Block, error) {
	if pemText == "" {
		return nil, fmt.Errorf("empty PEM")
	}
	pemText = strings.ReplaceAll(pemText, `\n`, "\n")
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return block, nil
}
