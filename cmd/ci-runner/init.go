package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowforge/runner/internal/config"
)

const examplePipeline = `jobs:
  - name: build
    runnerImage: default
    steps:
      - name: install
        command: echo "install dependencies here"
      - name: build
        command: echo "build the project here"
  - name: test
    runnerImage: default
    dependsOn: [build]
    steps:
      - name: test
        command: echo "run the test suite here"
`

func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a config file and an example pipeline definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := configFile
			if cfgPath == "" {
				cfgPath = "ci-runner.json"
			}

			if !force {
				if _, err := os.Stat(cfgPath); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
				}
			}

			cfg := config.DefaultConfig()
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("wrote %s\n", cfgPath)

			const pipelinePath = ".flowforge.yml"
			if _, err := os.Stat(pipelinePath); os.IsNotExist(err) || force {
				if err := os.WriteFile(pipelinePath, []byte(examplePipeline), 0o644); err != nil {
					return fmt.Errorf("write pipeline file: %w", err)
				}
				fmt.Printf("wrote %s\n", pipelinePath)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}
