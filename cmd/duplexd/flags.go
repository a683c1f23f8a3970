package main

import "flag"

type cliArgs struct {
	config string
	role   string
	stdio  bool
	spawn  bool
}

func parseFlags() cliArgs {
	var args cliArgs

	flag.StringVar(&args.config, "config", "", "Path to a YAML config file")
	flag.StringVar(&args.role, "role", "", "Override the configured role (host or client)")
	flag.BoolVar(&args.stdio, "stdio", false, "Serve one connection over stdin/stdout (child side of -spawn)")
	flag.BoolVar(&args.spawn, "spawn", false, "Start a copy of this binary with -stdio and call it")

	flag.Parse()
	return args
}

// remaining returns the non-flag command-line arguments: the call path and its JSON argument.
func (a cliArgs) remaining() []string {
	return flag.Args()
}
