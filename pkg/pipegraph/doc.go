/*
Package pipegraph compiles pipeline graphs of containerized compute
nodes into level execution plans and runs them against a pluggable
backend.

# Overview

A pipeline is a directed acyclic graph: nodes describe container
executions (image, parameters, environment), edges describe data
dependencies. pipegraph keeps the graph consistent under editing,
compiles it into dependency levels, and executes it level by level
with a barrier between levels, so a node only starts once everything
it depends on has succeeded.

The library provides:
  - An id-indexed graph with transactional mutations and cycle rejection
  - Deterministic compilation into execution levels
  - Asynchronous runs with per-node status tracking and cancellation
  - Pluggable backends (local Docker, remote cluster API)
  - Run history persistence (in-memory or SQLite)
  - OpenTelemetry integration for observability

# Basic Usage

Build a graph through a Manager, then launch it through Runs:

	manager, err := pipegraph.NewManager("proj-1",
	    pipegraph.WithGraphFile("proj-1/graph.json"))
	if err != nil {
	    log.Fatal(err)
	}

	simID, _ := manager.AddNode("simulate", map[string]any{
	    "container_image": "sim:latest",
	}, pipegraph.Position{})
	plotID, _ := manager.AddNode("plot", map[string]any{
	    "container_image": "plot:latest",
	}, pipegraph.Position{X: 200})
	manager.AddEdge(simID, plotID, nil)

	runs := pipegraph.NewRuns(local.New())
	project := pipegraph.NewProjectRuns(manager, runs)

	runID, err := project.RunFlow()
	if err != nil {
	    log.Fatal(err)
	}

	snap, _ := project.Wait(context.Background(), runID)
	fmt.Println(snap.Overall) // "succeeded"

RunFlow returns immediately; poll progress with GetStatus or block with
Wait. While a run is in flight, graph mutations on the same project are
rejected with ErrBusy.

# Failure Semantics

A failed or timed-out node fails; every node that transitively depends
on it is marked cancelled without starting. Nodes that do not depend on
the failure still run to completion, so one bad branch never wastes the
rest of the pipeline.

# Backends

A Backend starts, polls, and cancels node executions. Two
implementations ship in subpackages: backend/local runs containers
through the Docker CLI, backend/remote submits jobs to a cluster HTTP
API. Custom backends implement the three-method interface.
*/
package pipegraph
