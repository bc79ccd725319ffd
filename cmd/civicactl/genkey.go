package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// genkeyCmd writes an Ed25519 key pair for JWT signing. Without persistent
// keys the server generates ephemeral ones and every restart invalidates
// issued tokens.
func genkeyCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate the Ed25519 key pair used to sign admin tokens",
		Long: `genkey writes jwt_private.pem and jwt_public.pem to --dir. Point
CIVICA_JWT_PRIVATE_KEY and CIVICA_JWT_PUBLIC_KEY at them. Existing files are
never overwritten; delete them first to rotate keys.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			privPath, pubPath, err := writeKeyPair(dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nwrote %s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "Directory for the PEM files")
	return cmd
}

func writeKeyPair(dir string) (privPath, pubPath string, err error) {
	privPath = filepath.Join(dir, "jwt_private.pem")
	pubPath = filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create %s: %w", dir, err)
	}
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return "", "", fmt.Errorf("%s already exists; delete it first to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return "", "", err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // operator-supplied directory
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
