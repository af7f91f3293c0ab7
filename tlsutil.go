package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// keypairReloader serves the metrics endpoint certificate and swaps it for the
// files' current contents on SIGHUP.
type keypairReloader struct {
	certMu   sync.RWMutex
	cert     *tls.Certificate
	certPath string
	keyPath  string
}

func newKeypairReloader(ctx context.Context, certPath, keyPath string) (*keypairReloader, error) {
	result := &keypairReloader{
		certPath: certPath,
		keyPath:  keyPath,
	}

	if err := result.maybeReload(); err != nil {
		return nil, err
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGHUP)
		defer signal.Stop(c)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c:
				logger.Infof("Received SIGHUP, reloading TLS certificate and key from %q and %q", certPath, keyPath)
				if err := result.maybeReload(); err != nil {
					logger.Errorf("Keeping old TLS certificate because the new one could not be loaded: %v", err)
				}
			}
		}
	}()

	return result, nil
}

func (kpr *keypairReloader) maybeReload() error {
	newCert, err := tls.LoadX509KeyPair(kpr.certPath, kpr.keyPath)
	if err != nil {
		return err
	}

	kpr.certMu.Lock()
	defer kpr.certMu.Unlock()
	kpr.cert = &newCert

	return nil
}

func (kpr *keypairReloader) tlsConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			kpr.certMu.RLock()
			defer kpr.certMu.RUnlock()
			return kpr.cert, nil
		},
	}
}
