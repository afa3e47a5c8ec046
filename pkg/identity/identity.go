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

// Package identity resolves workload identities to cloud roles that nodes
// are launched with.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// Service account annotations understood by the Kubernetes binder.
const (
	AnnotationRoleARN         = "eks.amazonaws.com/role-arn"
	AnnotationGCPAccount      = "iam.gke.io/gcp-service-account"
	AnnotationInstanceProfile = "fleet.davidxarnold.io/instance-profile"
)

// Credential is the handle attached to launched instances.
type Credential struct {
	RoleARN         string `mapstructure:"role-arn"`
	InstanceProfile string `mapstructure:"instance-profile"`
	// ServiceAccount is the GCP service account email.
	ServiceAccount string `mapstructure:"gcp-service-account"`
}

// IsZero reports whether no role is bound.
func (c Credential) IsZero() bool {
	return c.RoleARN == "" && c.InstanceProfile == "" && c.ServiceAccount == ""
}

// Binder resolves a workload identity.
type Binder interface {
	Bind(ctx context.Context, name, namespace string) (Credential, error)
}

// Kubernetes reads role annotations from ServiceAccount objects.
type Kubernetes struct {
	Client kubernetes.Interface
}

// Bind looks the ServiceAccount up and returns its bound role.
func (k *Kubernetes) Bind(ctx context.Context, name, namespace string) (Credential, error) {
	sa, err := k.Client.CoreV1().ServiceAccounts(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return Credential{}, fmt.Errorf("get service account %s/%s: %w", namespace, name, err)
	}
	c := Credential{
		RoleARN:         sa.Annotations[AnnotationRoleARN],
		InstanceProfile: sa.Annotations[AnnotationInstanceProfile],
		ServiceAccount:  sa.Annotations[AnnotationGCPAccount],
	}
	if c.InstanceProfile == "" && c.RoleARN != "" {
		c.InstanceProfile = roleName(c.RoleARN)
	}
	if c.IsZero() {
		return Credential{}, &core.ConfigurationError{
			Reason: fmt.Sprintf("service account %s/%s has no role binding", namespace, name),
		}
	}
	return c, nil
}

// roleName is the trailing path of an IAM role ARN.
func roleName(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return ""
}

// Binding is a statically configured identity.
type Binding struct {
	Name       string `mapstructure:"service-account"`
	Namespace  string `mapstructure:"namespace"`
	Credential `mapstructure:",squash"`
}

// Static serves bindings from configuration.
type Static map[string]Credential

func key(name, namespace string) string {
	if namespace == "" {
		namespace = "default"
	}
	return namespace + "/" + name
}

// NewStatic indexes bindings.
func NewStatic(bindings ...Binding) Static {
	s := make(Static, len(bindings))
	for _, b := range bindings {
		s[key(b.Name, b.Namespace)] = b.Credential
	}
	return s
}

// FromConfig reads the identities list.
func FromConfig(v *viper.Viper) (Static, error) {
	var bindings []Binding
	if err := v.UnmarshalKey("identities", &bindings); err != nil {
		return nil, &core.ConfigurationError{Reason: fmt.Sprintf("decode identities: %v", err)}
	}
	return NewStatic(bindings...), nil
}

// Bind returns the configured credential.
func (s Static) Bind(_ context.Context, name, namespace string) (Credential, error) {
	c, ok := s[key(name, namespace)]
	if !ok {
		return Credential{}, &core.ConfigurationError{
			Reason: fmt.Sprintf("no identity configured for %s", key(name, namespace)),
		}
	}
	if c.InstanceProfile == "" && c.RoleARN != "" {
		c.InstanceProfile = roleName(c.RoleARN)
	}
	return c, nil
}

// Chain tries binders in order and returns the first success.
type Chain []Binder

// Bind implements Binder.
func (c Chain) Bind(ctx context.Context, name, namespace string) (Credential, error) {
	var last error
	for _, b := range c {
		cred, err := b.Bind(ctx, name, namespace)
		if err == nil {
			return cred, nil
		}
		last = err
	}
	if last == nil {
		last = &core.ConfigurationError{Reason: "no identity binder configured"}
	}
	return Credential{}, last
}
