package cloud

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gitlab.com/davidxarnold/fleet/pkg/bootstrap"
	"gitlab.com/davidxarnold/fleet/pkg/core"
)

// Provider is implemented by compute providers capable of creating and
// destroying instances for the fleet.
type Provider interface {
	CreateInstance(ctx context.Context, req Request) (*Instance, error)
	// TerminateInstance is idempotent: unknown instances are not an error.
	TerminateInstance(ctx context.Context, id string) error
	// ListInstances returns the instances tagged as managed by the fleet.
	ListInstances(ctx context.Context) ([]Instance, error)
	// Interruptions streams reclaim notices until ctx is done.
	Interruptions(ctx context.Context) <-chan Interruption
}

// Config is what a provider factory needs to connect.
type Config struct {
	Cluster bootstrap.Handle
	// Image is the AMI id or GCE source image nodes boot from when no
	// image is registered for the launch's family.
	Image string
	// ImageFamily is the family of launches whose rule names none.
	ImageFamily core.ImageFamily
	// Images maps "<family>-<arch>" or "<family>", lowercased, to an image.
	Images map[string]string
	// DiskSizeGiB sizes the boot volume. Zero keeps the image default.
	DiskSizeGiB int32
	// PollInterval paces interruption polling.
	PollInterval time.Duration
}

// bootDisk is the image and boot volume a provider launches nodes with.
type bootDisk struct {
	image   string
	family  core.ImageFamily
	images  map[string]string
	sizeGiB int32
}

func newBootDisk(cfg Config) bootDisk {
	images := make(map[string]string, len(cfg.Images))
	for k, v := range cfg.Images {
		images[strings.ToLower(k)] = v
	}
	return bootDisk{image: cfg.Image, family: cfg.ImageFamily, images: images, sizeGiB: cfg.DiskSizeGiB}
}

// imageFor resolves the boot image of a launch: the image registered for
// its family and architecture, then for its family, then the default.
func (b bootDisk) imageFor(req Request) string {
	family := req.ImageFamily
	if family == "" {
		family = b.family
	}
	if family != "" {
		key := strings.ToLower(string(family))
		if img, ok := b.images[key+"-"+string(req.Offering.Arch)]; ok {
			return img
		}
		if img, ok := b.images[key]; ok {
			return img
		}
	}
	return b.image
}

// ProviderFactory creates a new Provider instance.
type ProviderFactory func(ctx context.Context, cfg Config) (Provider, error)

// Provider names used by util.ParseProviderID and callers.
const (
	ProviderAWS = "aws"
	ProviderGCE = "gce"
)

// DefaultPollInterval is used when Config.PollInterval is unset.
const DefaultPollInterval = 15 * time.Second

var providerRegistry = map[string]ProviderFactory{}

// RegisterProvider registers a provider factory under the given name.
// It is typically called from init() functions in provider-specific files.
func RegisterProvider(name string, factory ProviderFactory) {
	providerRegistry[name] = factory
}

// LookupProvider builds the Provider registered under name.
func LookupProvider(ctx context.Context, name string, cfg Config) (Provider, error) {
	factory, ok := providerRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (known: %v)", name, Providers())
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return factory(ctx, cfg)
}

// Providers lists registered provider names.
func Providers() []string {
	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
