// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_secrets

import (
	"fmt"
	"os"
)

// SecretStore fetches credentials for outbound requests. Storage of secrets
// is a collaborator concern; this package only defines the lookup contract
// and an environment-backed default.
type SecretStore interface {
	Get(keyName string) (string, error)
}

type envSecretStore struct{}

// NewEnvSecretStore returns a SecretStore reading from process environment
// variables.
func NewEnvSecretStore() SecretStore {
	return envSecretStore{}
}

func (envSecretStore) Get(keyName string) (string, error) {
	value, ok := os.LookupEnv(keyName)
	if !ok || value == "" {
		return "", fmt.Errorf("secrets: %s is not set", keyName)
	}
	return value, nil
}
