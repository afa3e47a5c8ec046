package cloud

import (
	"time"

	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// Role is the identity an instance is launched with.
type Role struct {
	// InstanceProfile is the EC2 instance profile name or ARN.
	InstanceProfile string
	// ServiceAccount is the GCE service account email.
	ServiceAccount string
}

// Request describes one instance to create.
type Request struct {
	Offering core.InstanceOffering
	Rule     string
	// Labels are applied to the Kubernetes node when it registers.
	Labels map[string]string
	// Tags are applied to the provider instance.
	Tags map[string]string
	Role Role
	// ImageFamily selects the boot image; empty uses the provider default.
	ImageFamily core.ImageFamily
	// ClientToken makes the create call idempotent across retries.
	ClientToken string
}

// Instance is a provider instance in a provider-agnostic form.
type Instance struct {
	ID            string
	ProviderID    string
	InstanceType  string
	CapacityClass core.CapacityClass
	Rule          string
	Tags          map[string]string
	LaunchedAt    time.Time
	// State is the provider's lifecycle state, e.g. pending or running.
	State string
}

// Managed reports whether the instance carries the managed tag.
func (i Instance) Managed() bool {
	return i.Tags[core.TagManaged] == "true"
}

// Interruption is a provider notice that an instance will be reclaimed.
type Interruption struct {
	InstanceID string
	Reason     string
	// Deadline is when the provider reclaims the instance; zero if unknown.
	Deadline time.Time
}

// noticeFilter passes each reclaim notice once. It only remembers the
// instances of the latest poll, so its size follows the live notices.
type noticeFilter map[string]bool

// fresh returns the notices of a poll not reported by the previous one.
func (f *noticeFilter) fresh(notices []Interruption) []Interruption {
	current := make(noticeFilter, len(notices))
	var out []Interruption
	for _, n := range notices {
		if !(*f)[n.InstanceID] && !current[n.InstanceID] {
			out = append(out, n)
		}
		current[n.InstanceID] = true
	}
	*f = current
	return out
}
