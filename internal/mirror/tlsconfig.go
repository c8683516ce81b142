package mirror

import (
	"crypto/tls"
	"errors"
	"os"
)

// TLSConfig points at the certificate and key served on a TLS listener.
type TLSConfig struct {
	CertFile string `toml:"cert"`
	KeyFile  string `toml:"key"`
	Password string `toml:"password"`
}

// Check validates the TLS configuration.
func (t *TLSConfig) Check() error {
	if t.CertFile == "" || t.KeyFile == "" {
		return errors.New("tls requires both cert and key")
	}
	if t.Password != "" {
		return errors.New("encrypted private keys are not supported")
	}
	if _, err := os.Stat(t.CertFile); os.IsNotExist(err) {
		return errors.New("tls cert does not exist: " + t.CertFile)
	} else if err != nil {
		return errors.New("cannot access tls cert: " + err.Error())
	}
	if _, err := os.Stat(t.KeyFile); os.IsNotExist(err) {
		return errors.New("tls key does not exist: " + t.KeyFile)
	} else if err != nil {
		return errors.New("cannot access tls key: " + err.Error())
	}
	return nil
}

// BuildTLSConfig loads the key pair and returns a server-side TLS
// configuration.
func (t *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
