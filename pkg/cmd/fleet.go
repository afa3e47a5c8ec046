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
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/cli-runtime/pkg/genericclioptions"
	"k8s.io/client-go/kubernetes"

	"gitlab.com/davidxarnold/fleet/pkg/util"
	v "gitlab.com/davidxarnold/fleet/version"
)

var (
	cfgFile               string
	KubernetesConfigFlags *genericclioptions.ConfigFlags
)

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			log.Fatalln(err)
		}

		// Search config in home directory with name ".fleet" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".fleet")
	}

	viper.SetEnvPrefix("fleet")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		log.Debugln("Using config file:", viper.ConfigFileUsed())
	}
}

// kubeClient builds a clientset from the kubeconfig flags.
func kubeClient() (kubernetes.Interface, error) {
	rc, err := KubernetesConfigFlags.ToRESTConfig()
	if err != nil {
		return nil, fmt.Errorf("unable to load kubeconfig: %w", err)
	}
	return kubernetes.NewForConfig(rc)
}

// NewFleetCmd provides the root cobra command
func NewFleetCmd() *cobra.Command {
	KubernetesConfigFlags = genericclioptions.NewConfigFlags(true)

	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Provision cluster capacity from pending workloads.",
		Long: "Fleet watches unschedulable pods, chooses instance offerings allowed by the " +
			"configured provisioners, and launches, drains and terminates nodes to match demand.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return util.SetupLogger()
		},
	}

	cmd.Version = v.Version

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.fleet.yaml)")
	cmd.PersistentFlags().String("log-level", "info", "Log level. One of: trace|debug|info|warn|error")
	cmd.PersistentFlags().String("log-format", "text", "Log format. One of: text|json")
	cmd.PersistentFlags().String(keyProvider, "", "Compute provider. One of: aws|gce|fake")
	cmd.PersistentFlags().String(keyRegion, "", "Cloud region")
	cmd.PersistentFlags().String(keyStateFile, "", "Node record table (default is $HOME/.fleet/nodes.json)")
	cmd.PersistentFlags().StringP(keyOutput, "o", "", "-o, --output='': Output format. One of: txt|pretty|json")

	KubernetesConfigFlags.AddFlags(cmd.PersistentFlags())
	cobra.OnInitialize(initConfig)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	setDefaults(viper.GetViper())

	for _, name := range []string{"log-level", "log-format", keyProvider, keyRegion, keyStateFile, keyOutput} {
		_ = viper.BindPFlag(name, cmd.PersistentFlags().Lookup(name))
	}

	cmd.AddCommand(
		newRunCmd(),
		newPlanCmd(),
		newNodesCmd(),
		newCatalogCmd(),
	)
	return cmd
}
