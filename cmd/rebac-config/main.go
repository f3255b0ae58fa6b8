package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/rebac"
	"github.com/oarkflow/rebac/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("rebac-config - Configuration tool for rebac")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rebac-config convert <input> <output>  - Convert between formats")
	fmt.Println("  rebac-config validate <file>           - Validate configuration")
	fmt.Println("  rebac-config stats <file>              - Show configuration statistics")
	fmt.Println("  rebac-config apply <file> [sqlite-dsn] - Apply configuration to an engine")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: rebac-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := rebac.LoadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: rebac-config validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := rebac.LoadConfig(filename)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("  Relationship types: %d\n", len(cfg.RelationshipTypes))
	fmt.Printf("  Classes:            %d\n", len(cfg.Classes))
	fmt.Printf("  Entities:           %d\n", len(cfg.Entities))
	fmt.Printf("  Grants:             %d\n", len(cfg.Grants))
	fmt.Printf("  Assignments:        %d\n", len(cfg.Assignments))
	fmt.Printf("  Policies:           %d\n", len(cfg.Policies))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: rebac-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := rebac.LoadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Relationship types: %d\n", len(cfg.RelationshipTypes))
	fmt.Printf("  Classes:            %d\n", len(cfg.Classes))
	fmt.Printf("  Entities:           %d\n", len(cfg.Entities))
	fmt.Printf("  Grants:             %d\n", len(cfg.Grants))
	fmt.Printf("  Assignments:        %d\n", len(cfg.Assignments))
	fmt.Printf("  Policies:           %d\n", len(cfg.Policies))
	fmt.Println()

	if len(cfg.Policies) > 0 {
		allowCount := 0
		denyCount := 0
		for _, p := range cfg.Policies {
			if strings.EqualFold(p.Effect, string(rebac.EffectAllow)) {
				allowCount++
			} else {
				denyCount++
			}
		}
		fmt.Println("Policy Details:")
		fmt.Printf("  Allow policies: %d\n", allowCount)
		fmt.Printf("  Deny policies:  %d\n", denyCount)
		fmt.Println()
	}

	if len(cfg.Assignments) > 0 {
		scoped := 0
		temporal := 0
		denies := 0
		for _, a := range cfg.Assignments {
			if a.Scope != "" {
				scoped++
			}
			if a.ValidFrom != "" || a.ValidUntil != "" || a.ScheduleCron != "" {
				temporal++
			}
			if a.IsDeny {
				denies++
			}
		}
		fmt.Println("Assignment Details:")
		fmt.Printf("  Scoped:   %d\n", scoped)
		fmt.Printf("  Temporal: %d\n", temporal)
		fmt.Printf("  Denies:   %d\n", denies)
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Decision cache TTL: %dms\n", cfg.Engine.DecisionCacheTTL)
	fmt.Printf("  Sweep interval:     %dms\n", cfg.Engine.SweepInterval)
}

func handleApply() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: rebac-config apply <file> [sqlite-dsn]")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := rebac.LoadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	store := rebac.NewMemoryStores()
	if len(os.Args) > 3 {
		db, err := stores.OpenSQLite(os.Args[3])
		if err != nil {
			fmt.Printf("Error opening database: %v\n", err)
			os.Exit(1)
		}
		store = stores.NewSQLStores(db)
	}

	engine := rebac.NewEngine(store, cfg.Engine.Options()...)
	defer engine.Close()

	ctx := context.Background()
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration applied successfully")
	fmt.Printf("  %s\n", cfg.Stats())
}

func saveConfig(cfg *rebac.Config, filename string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}
