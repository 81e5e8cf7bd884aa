package trust

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

const (
	keyFileMode  = os.FileMode(0o600)
	certFileMode = os.FileMode(0o644)
	dirMode      = os.FileMode(0o700)
)

// Persist writes the certificate, private key and CA bundle to their
// destinations. Each write is atomic so a crash never leaves a partial
// credential on disk. The bundle path is derived from the certificate path
// and is left untouched when the chain is empty.
func Persist(bundle *Bundle, keyPEM []byte, certPath, keyPath string, logger zerolog.Logger) error {
	if err := writeFileAtomic(certPath, bundle.LeafPEM, certFileMode); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	if err := writeFileAtomic(keyPath, keyPEM, keyFileMode); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	if len(bundle.ChainPEM) == 0 {
		logger.Warn().Str("cert_path", certPath).Msg("certificate bundle has no chain, skipping CA bundle write")
		return nil
	}

	bundlePath := BundlePath(certPath)
	if err := writeFileAtomic(bundlePath, bundle.ChainPEM, certFileMode); err != nil {
		return fmt.Errorf("failed to write CA bundle: %w", err)
	}

	return nil
}

// BundlePath returns the CA bundle destination for a certificate path,
// e.g. /etc/certs/svc.pem becomes /etc/certs/svc.ca-bundle.pem.
func BundlePath(certPath string) string {
	ext := filepath.Ext(certPath)
	base := certPath[:len(certPath)-len(ext)]
	return base + ".ca-bundle" + ext
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set mode on %s: %w", tmpName, err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tmpName, path, err)
	}
	tmpName = ""

	return nil
}
