/*
Copyright 2025 David Arnold
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

package util

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// SetupLogger configures the default logger from log-format and log-level.
func SetupLogger() (err error) {
	var (
		lf = strings.ToLower(viper.GetString("log-format"))
		ll = viper.GetString("log-level")
	)

	// Set log format
	switch lf {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{
			DisableLevelTruncation: true,
			FullTimestamp:          true,
		})
	}

	if ll == "" {
		ll = "info"
	}
	level, err := log.ParseLevel(ll)
	if err != nil {
		return fmt.Errorf("invalid log-level %q: %w", ll, err)
	}
	log.SetLevel(level)
	return nil
}

// ParseProviderID returns the cloud provider and associated info
func ParseProviderID(pi string) (cp string, id []string) {
	s := strings.SplitN(pi, ":", 2)
	if len(s) < 2 {
		return "", nil
	}
	return s[0], strings.Split(strings.TrimPrefix(s[1], "//"), "/")
}

// InstanceID returns the provider instance id encoded in a node providerID,
// the last path segment for both AWS and GCE.
func InstanceID(pi string) string {
	_, parts := ParseProviderID(pi)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}
