/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package env reads typed control-plane settings from environment variables, falling back to defaults.
package env

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/go-logr/logr"
)

// lookup retrieves an environment variable and parses it. Parse failures are logged and fall back to the default so a
// typo in a deployment manifest never prevents the control plane from starting.
func lookup[T any](key string, defaultVal T, parse func(string) (T, error), logger logr.Logger) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		logger.Info("Environment variable not set, using default value", "key", key, "defaultValue", defaultVal)
		return defaultVal
	}

	v, err := parse(raw)
	if err != nil {
		logger.Info(fmt.Sprintf("Failed to parse environment variable as %s, using default value", reflect.TypeOf(defaultVal)),
			"key", key, "rawValue", raw, "error", err, "defaultValue", defaultVal)
		return defaultVal
	}

	logger.Info("Loaded environment variable", "key", key, "value", v)
	return v
}

// GetEnvInt gets an int from an environment variable with a default value.
func GetEnvInt(key string, defaultVal int, logger logr.Logger) int {
	return lookup(key, defaultVal, strconv.Atoi, logger)
}

// GetEnvBool gets a bool from an environment variable with a default value.
func GetEnvBool(key string, defaultVal bool, logger logr.Logger) bool {
	return lookup(key, defaultVal, strconv.ParseBool, logger)
}

// GetEnvDuration gets a time.Duration from an environment variable with a default value.
func GetEnvDuration(key string, defaultVal time.Duration, logger logr.Logger) time.Duration {
	return lookup(key, defaultVal, time.ParseDuration, logger)
}

// GetEnvString gets a string from an environment variable with a default value.
func GetEnvString(key string, defaultVal string, logger logr.Logger) string {
	return lookup(key, defaultVal, func(s string) (string, error) { return s, nil }, logger)
}
