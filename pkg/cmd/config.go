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

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"k8s.io/client-go/kubernetes"

	"gitlab.com/davidxarnold/fleet/pkg/bootstrap"
	"gitlab.com/davidxarnold/fleet/pkg/catalog"
	"gitlab.com/davidxarnold/fleet/pkg/cloud"
	"gitlab.com/davidxarnold/fleet/pkg/controller"
	"gitlab.com/davidxarnold/fleet/pkg/core"
	"gitlab.com/davidxarnold/fleet/pkg/identity"
	"gitlab.com/davidxarnold/fleet/pkg/lifecycle"
	"gitlab.com/davidxarnold/fleet/pkg/rules"
	"gitlab.com/davidxarnold/fleet/pkg/state"
)

const (
	keyInterval           = "interval"
	keyStalenessThreshold = "staleness-threshold"
	keyLaunchTimeout      = "launch-timeout"
	keyDrainTimeout       = "drain-timeout"
	keyDrainGracePeriod   = "drain-grace-period"
	keyAPITimeout         = "api-timeout"
	keyLaunchRetries      = "launch-retries"
	keyRetryBackoff       = "retry-backoff"
	keyUnavailableTTL     = "unavailable-ttl"
	keyMaxConcurrency     = "max-concurrency"
	keyStateFile          = "state-file"
	keyCacheFile          = "cache-file"
	keyProvider           = "provider"
	keyRegion             = "region"
	keyZone               = "zone"
	keyProject            = "project"
	keyResync             = "resync"
	keyMetricsAddr        = "metrics-addr"
	keyClusterSource      = "cluster.source"
	keyImage              = "node-group.image"
	keyImages             = "node-group.images"
	keyAMIFamily          = "node-group.ami-family"
	keyDiskSize           = "node-group.disk-size"
	keyPollInterval       = "node-group.poll-interval"
	keyCatalogOfferings   = "catalog.offerings"
	keyCatalogDiscover    = "catalog.discover"
	keyCatalogFamilies    = "catalog.families"
	keyOutput             = "output"
)

// setDefaults registers the default of every setting.
func setDefaults(v *viper.Viper) {
	lc := lifecycle.DefaultConfig()
	v.SetDefault(keyInterval, controller.DefaultInterval)
	v.SetDefault(keyStalenessThreshold, 2*time.Minute)
	v.SetDefault(keyLaunchTimeout, lc.LaunchTimeout)
	v.SetDefault(keyDrainTimeout, lc.DrainTimeout)
	v.SetDefault(keyDrainGracePeriod, lc.DrainGracePeriod)
	v.SetDefault(keyAPITimeout, lc.APITimeout)
	v.SetDefault(keyLaunchRetries, lc.LaunchRetries)
	v.SetDefault(keyRetryBackoff, lc.RetryBackoff)
	v.SetDefault(keyMaxConcurrency, lc.MaxConcurrency)
	v.SetDefault(keyUnavailableTTL, 3*time.Minute)
	v.SetDefault(keyStateFile, state.DefaultPath())
	v.SetDefault(keyCacheFile, cloud.DefaultCachePath())
	v.SetDefault(keyProvider, cloud.ProviderAWS)
	v.SetDefault(keyResync, 10*time.Minute)
	v.SetDefault(keyMetricsAddr, ":9090")
	v.SetDefault(keyClusterSource, "static")
	v.SetDefault(keyPollInterval, cloud.DefaultPollInterval)
	v.SetDefault(keyAMIFamily, string(core.ImageAL2))
	v.SetDefault(keyDiskSize, 100)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
}

func lifecycleConfig(v *viper.Viper) lifecycle.Config {
	return lifecycle.Config{
		LaunchTimeout:    v.GetDuration(keyLaunchTimeout),
		DrainTimeout:     v.GetDuration(keyDrainTimeout),
		DrainGracePeriod: v.GetDuration(keyDrainGracePeriod),
		APITimeout:       v.GetDuration(keyAPITimeout),
		LaunchRetries:    v.GetInt(keyLaunchRetries),
		RetryBackoff:     v.GetDuration(keyRetryBackoff),
		MaxConcurrency:   v.GetInt(keyMaxConcurrency),
	}
}

// loadCatalog returns the configured offerings, EC2 discovery when enabled,
// or the built-in table.
func loadCatalog(ctx context.Context, v *viper.Viper) (*catalog.Catalog, error) {
	var specs []catalog.OfferingSpec
	if err := v.UnmarshalKey(keyCatalogOfferings, &specs); err != nil {
		return nil, &core.ConfigurationError{Reason: fmt.Sprintf("decode %s: %v", keyCatalogOfferings, err)}
	}
	switch {
	case len(specs) > 0:
		return catalog.FromSpecs(specs)
	case v.GetBool(keyCatalogDiscover):
		var opts []func(*config.LoadOptions) error
		if region := v.GetString(keyRegion); region != "" {
			opts = append(opts, config.WithRegion(region))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		return catalog.DiscoverEC2(ctx, ec2.NewFromConfig(awsCfg), v.GetStringSlice(keyCatalogFamilies))
	default:
		return catalog.Default(), nil
	}
}

// loadRules decodes and validates the provisioners against cat.
func loadRules(v *viper.Viper, cat *catalog.Catalog) ([]*rules.Rule, error) {
	specs, err := rules.Decode(v)
	if err != nil {
		return nil, err
	}
	return rules.Load(specs, cat)
}

// resolveCluster reads the cluster handle from config, or from the GKE API
// when cluster.source is gke.
func resolveCluster(ctx context.Context, v *viper.Viper) (bootstrap.Handle, error) {
	static, err := bootstrap.FromConfig(v)
	if err != nil {
		return bootstrap.Handle{}, err
	}
	if v.GetString(keyClusterSource) != "gke" {
		return static.Resolve(ctx)
	}

	location := v.GetString(keyZone)
	if location == "" {
		location = v.GetString(keyRegion)
	}
	gke, closer, err := bootstrap.NewGKE(ctx, v.GetString(keyProject), location, static.ClusterName)
	if err != nil {
		return bootstrap.Handle{}, err
	}
	defer closer()
	return gke.Resolve(ctx)
}

// binder serves configured identities first and falls back to the
// ServiceAccount annotations when a client is available.
func binder(v *viper.Viper, client kubernetes.Interface) (identity.Binder, error) {
	static, err := identity.FromConfig(v)
	if err != nil {
		return nil, err
	}
	chain := identity.Chain{static}
	if client != nil {
		chain = append(chain, &identity.Kubernetes{Client: client})
	}
	return chain, nil
}

// providerConfig reads the node-group base parameters every launch uses.
func providerConfig(v *viper.Viper, h bootstrap.Handle) (cloud.Config, error) {
	family, err := core.ParseImageFamily(v.GetString(keyAMIFamily))
	if err != nil {
		return cloud.Config{}, &core.ConfigurationError{Reason: fmt.Sprintf("%s: %v", keyAMIFamily, err)}
	}
	size := v.GetInt(keyDiskSize)
	if size < 0 || size > 65536 {
		return cloud.Config{}, &core.ConfigurationError{Reason: fmt.Sprintf("%s: %d GiB is out of range", keyDiskSize, size)}
	}
	return cloud.Config{
		Cluster:      h,
		Image:        v.GetString(keyImage),
		ImageFamily:  family,
		Images:       v.GetStringMapString(keyImages),
		DiskSizeGiB:  int32(size),
		PollInterval: v.GetDuration(keyPollInterval),
	}, nil
}

func newProvider(ctx context.Context, v *viper.Viper, h bootstrap.Handle) (cloud.Provider, error) {
	cfg, err := providerConfig(v, h)
	if err != nil {
		return nil, err
	}
	name := v.GetString(keyProvider)
	p, err := cloud.LookupProvider(ctx, name, cfg)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"provider": name, "cluster": h.ClusterName, "region": h.Region}).Debug("compute provider ready")
	return p, nil
}
