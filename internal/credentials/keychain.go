// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package credentials stores SSH passwords for managed servers in the
// system keychain.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// Service is the keychain service name for serverctl entries.
	Service = "serverctl"

	// PasswordEnv overrides the keychain for every lookup. Intended for CI.
	PasswordEnv = "SERVERCTL_SSH_PASSWORD"
)

var (
	// ErrNotFound is returned when no password is stored for an account.
	ErrNotFound = errors.New("credential not found")

	// ErrUnavailable is returned when the keychain cannot be reached.
	ErrUnavailable = errors.New("keychain unavailable")
)

// Account returns the keychain account name for an SSH endpoint.
func Account(user, host string, port int) string {
	return fmt.Sprintf("ssh:%s@%s:%d", user, host, port)
}

// Store reads and writes passwords in the system keychain.
//   - macOS: Keychain Access
//   - Linux: Secret Service API (GNOME Keyring, KWallet)
//   - Windows: Credential Manager
type Store struct {
	service string
}

// NewStore creates a keychain store for the serverctl service.
func NewStore() *Store {
	return &Store{service: Service}
}

// Password returns the password stored for account.
func (s *Store) Password(account string) (string, error) {
	if val := os.Getenv(PasswordEnv); val != "" {
		return val, nil
	}

	value, err := keyring.Get(s.service, account)
	if err != nil {
		return "", s.wrap(account, err)
	}
	return value, nil
}

// SetPassword stores password for account.
func (s *Store) SetPassword(account, password string) error {
	if err := keyring.Set(s.service, account, password); err != nil {
		return s.wrap(account, err)
	}
	return nil
}

// DeletePassword removes the password stored for account.
func (s *Store) DeletePassword(account string) error {
	if err := keyring.Delete(s.service, account); err != nil {
		return s.wrap(account, err)
	}
	return nil
}

func (s *Store) wrap(account string, err error) error {
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, account)
	}
	if isUnavailable(err) {
		return fmt.Errorf("%w: %s", ErrUnavailable, err.Error())
	}
	return fmt.Errorf("keychain error: %w", err)
}

// isUnavailable checks if an error indicates the keychain is locked or inaccessible.
func isUnavailable(err error) bool {
	errStr := strings.ToLower(err.Error())

	for _, indicator := range []string{
		"locked",
		"cannot access",
		"permission denied",
		"failed to unlock",
		"user interaction required",
		"secret service",
		"dbus",
		"user canceled",
	} {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}
