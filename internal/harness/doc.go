// Package harness runs a batch of simulation pipelines described by one
// configuration file and aggregates their results.
//
// # Configuration Format
//
// Configurations are YAML (or CUE) files with the following structure:
//
//	name: tp4_noise
//	description: "Noise sweep, two engines diffed"
//	concurrency: 4
//	repeat: 10
//	timeout: 30s
//	policy: rows          # or mean
//	scenario:
//	  command: [python3, gen.py, "{param:N}", "{param:noise}"]
//	stages:
//	  - name: sim
//	    command: [./simulate, "-n", "1000"]
//	    stdin: payload
//	  - name: stats
//	    command: [./analyze]
//	    stdin: stage:sim
//	columns:
//	  - { name: t, type: float }
//	  - { name: e, type: uint }
//	sweep:
//	  - { N: 100, noise: 0.1 }
//	  - { N: 100, noise: 0.5 }
//
// The scenario is one of command (a generator run once per task), file (a
// payload read from disk) or inline (a literal payload). Stage inputs are
// "payload", "none" or "stage:<name>"; extra_inputs are
// passed as descriptors 3, 4, ... and "{extra:i}" in a command expands to
// the matching /dev/fd path.
//
// Each sweep point runs repeat tasks. The point's parameters become
// metadata columns on every row the task produces, after the run column.
// Without a sweep the batch is a single point with no parameters.
//
// # Usage
//
//	cfg, err := harness.LoadConfig("experiments/tp1.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	h, err := harness.New(cfg, harness.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	report, err := h.Run(ctx)
package harness
