// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sgrun/sgrun/internal/arena"
	"github.com/sgrun/sgrun/internal/contract"
	"github.com/sgrun/sgrun/internal/registry"
	"github.com/sgrun/sgrun/internal/runtime"
)

var errInvocationFailed = errors.New("invocation failed")

var (
	projectRoot   string
	contractsFile string

	rootCmd = &cobra.Command{
		Use:   "sgrun",
		Short: "An evolutionary function runtime",
		Long: `sgrun executes contract-bound genes whose implementations are
replaced over time based on observed fitness: alleles compete per locus,
pathways compose loci, and reinforced pathways fuse into single alleles.`,
		SilenceUsage: true,
	}

	seedCmd = &cobra.Command{
		Use:   "seed [locus] [source-file]",
		Short: "Register a source file as an allele and install it for a locus",
		Args:  cobra.ExactArgs(2),
		RunE:  runSeed,
	}

	invokeCmd = &cobra.Command{
		Use:   "invoke [locus] [input-json]",
		Short: "Invoke a single locus through its allele fallback stack",
		Args:  cobra.ExactArgs(2),
		RunE:  runInvoke,
	}

	runCmd = &cobra.Command{
		Use:   "run [pathway] [input-json]",
		Short: "Run a pathway",
		Args:  cobra.ExactArgs(2),
		RunE:  runPathway,
	}

	allelesCmd = &cobra.Command{
		Use:   "alleles [locus]",
		Short: "List a locus's alleles with state and fitness",
		Args:  cobra.ExactArgs(1),
		RunE:  runAlleles,
	}

	lineageCmd = &cobra.Command{
		Use:   "lineage [digest]",
		Short: "Walk an allele's parent chain back to its seed",
		Args:  cobra.ExactArgs(1),
		RunE:  runLineage,
	}

	resurrectCmd = &cobra.Command{
		Use:   "resurrect [digest]",
		Short: "Return a deprecated allele to the recessive pool",
		Args:  cobra.ExactArgs(1),
		RunE:  runResurrect,
	}

	regressionsCmd = &cobra.Command{
		Use:   "regressions",
		Short: "Show recent regression events",
		Args:  cobra.NoArgs,
		RunE:  runRegressions,
	}

	snapshotCmd = &cobra.Command{
		Use:   "snapshot [out.tar.gz]",
		Short: "Write a snapshot tarball of the project's persistent state",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshot,
	}

	restoreCmd = &cobra.Command{
		Use:   "restore [in.tar.gz]",
		Short: "Restore a snapshot tarball into the project root",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestore,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&projectRoot, "root", ".", "project root directory")
	rootCmd.PersistentFlags().StringVar(&contractsFile, "contracts", "", "JSON file of parsed contract values to load")
	rootCmd.AddCommand(seedCmd, invokeCmd, runCmd, allelesCmd, lineageCmd, resurrectCmd, regressionsCmd, snapshotCmd, restoreCmd)
}

// openRuntime wires a runtime at --root, loading --contracts if given. The
// contracts file holds already-parsed contract values as a JSON array; the
// text DSL that produces them is a separate layer, not this binary.
func openRuntime() (*runtime.Runtime, error) {
	rt, err := runtime.Open(projectRoot, runtime.Options{})
	if err != nil {
		return nil, err
	}
	if contractsFile != "" {
		b, err := os.ReadFile(contractsFile)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("read contracts: %w", err)
		}
		var parsed []contract.Contract
		if err := json.Unmarshal(b, &parsed); err != nil {
			rt.Close()
			return nil, fmt.Errorf("parse contracts: %w", err)
		}
		for _, c := range parsed {
			if err := rt.Contracts.Add(c); err != nil {
				rt.Close()
				return nil, err
			}
		}
	}
	return rt, nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	locus, sourceFile := args[0], args[1]
	source, err := os.ReadFile(sourceFile)
	if err != nil {
		return err
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	digest, err := rt.Seed(locus, string(source))
	if err != nil {
		return err
	}
	fmt.Println(digest)
	return nil
}

func runInvoke(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	out, err := rt.InvokeGene(cmd.Context(), args[0], args[1])
	if err != nil {
		return fmt.Errorf("%w: %v", errInvocationFailed, err)
	}
	fmt.Println(out)
	return nil
}

func runPathway(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.Run(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	if !res.Success {
		return errInvocationFailed
	}
	return nil
}

func runAlleles(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	locus := args[0]
	dominant := rt.Phenotype.Resolve(locus)
	for _, digest := range rt.Registry.List(locus) {
		al, err := rt.Registry.Get(digest)
		if err != nil {
			continue
		}
		marker := " "
		if digest == dominant {
			marker = "*"
		}
		fmt.Printf("%s %s  %-10s  fitness=%.3f  invocations=%d\n",
			marker, digest[:12], al.State, arena.ComputeFitness(&al.Fitness), al.Fitness.Invocations)
	}
	return nil
}

func runLineage(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	chain, err := rt.Registry.Lineage(args[0])
	if err != nil {
		return err
	}
	for i, digest := range chain {
		al, err := rt.Registry.Get(digest)
		if err != nil {
			continue
		}
		fmt.Printf("%d: %s  gen=%d  trigger=%s\n", i, digest[:12], al.Generation, al.MutationCtx.Trigger)
	}
	return nil
}

func runResurrect(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	al, err := rt.Registry.Get(args[0])
	if err != nil {
		return err
	}
	if al.State != registry.Deprecated {
		return fmt.Errorf("allele %s is %s, not deprecated", args[0], al.State)
	}
	return rt.Registry.SetState(args[0], registry.Recessive)
}

func runRegressions(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	events, err := rt.RegressionEvents()
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Printf("%s  %-8s  %s  %s\n", ev.Timestamp.Format("2006-01-02T15:04:05"), ev.Severity, ev.Locus, ev.Digest[:min(12, len(ev.Digest))])
	}
	return nil
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	return runtime.SnapshotFile(projectRoot, args[0])
}

func runRestore(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	return runtime.Restore(projectRoot, f)
}
