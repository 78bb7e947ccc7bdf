// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package credentials resolves the username and password used to poll a
// rack controller and encrypts stored passwords at rest.
package credentials

import (
	"fmt"

	"github.com/soothill/rack-power-monitor/pkg/errors"
)

// Credential is a cleartext username/password pair held in memory.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// Complete reports whether both fields are non-empty.
func (c Credential) Complete() bool {
	return c.Username != "" && c.Password != ""
}

// String redacts the password.
func (c Credential) String() string {
	if c.Password == "" {
		return c.Username
	}
	return c.Username + ":****"
}

// DefaultSource supplies the global default credential. The password is
// returned in its encrypted at-rest form.
type DefaultSource interface {
	DefaultCredential() (username, encryptedPassword string)
}

// Cipher is the opaque encrypt/decrypt capability for stored secrets.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Resolver picks the effective credential for a device.
type Resolver struct {
	defaults DefaultSource
	cipher   Cipher
}

// NewResolver creates a resolver. A nil cipher treats the stored default
// password as cleartext.
func NewResolver(defaults DefaultSource, cipher Cipher) *Resolver {
	return &Resolver{defaults: defaults, cipher: cipher}
}

// Resolve returns the manual override if complete, else the device override
// if complete, else the global default. It fails with ErrNoCredentials when
// none of them yields a username and password.
func (r *Resolver) Resolve(device, manual *Credential) (Credential, error) {
	if manual != nil && manual.Complete() {
		return *manual, nil
	}
	if device != nil && device.Complete() {
		return *device, nil
	}

	if r.defaults == nil {
		return Credential{}, errors.ErrNoCredentials
	}
	username, stored := r.defaults.DefaultCredential()
	if username == "" || stored == "" {
		return Credential{}, errors.ErrNoCredentials
	}

	password := stored
	if r.cipher != nil {
		plain, err := r.cipher.Decrypt(stored)
		if err != nil {
			return Credential{}, fmt.Errorf("%w: default password: %v", errors.ErrNoCredentials, err)
		}
		password = plain
	}
	if password == "" {
		return Credential{}, errors.ErrNoCredentials
	}

	return Credential{Username: username, Password: password}, nil
}
