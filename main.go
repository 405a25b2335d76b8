/*
Copyright 2022 The l7mp/stunner team.

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

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/yaml"

	"github.com/l7mp/reactive-collections/internal/buildinfo"
	"github.com/l7mp/reactive-collections/pkg/scenario"
	"github.com/l7mp/reactive-collections/pkg/visualize"
)

var (
	version    = "dev"
	commitHash = "n/a"
	buildDate  = "<unknown>"
)

func main() {
	var scenarioFile string
	var diagram string
	var printVersion bool

	flag.StringVar(&scenarioFile, "scenario", "", "The scenario file to run.")
	flag.StringVar(&diagram, "diagram", "", "Print the operator graph of the scenario in the given format (dot or mermaid) and exit.")
	flag.BoolVar(&printVersion, "version", false, "Print version and exit.")

	opts := zap.Options{
		Development:     true,
		DestWriter:      os.Stderr,
		StacktraceLevel: zapcore.Level(3),
		TimeEncoder:     zapcore.RFC3339NanoTimeEncoder,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	info := buildinfo.New(version, commitHash, buildDate)
	if printVersion {
		fmt.Println(info.String())
		os.Exit(0)
	}

	logger := zap.New(zap.UseFlagOptions(&opts)).WithName("rxscenario")
	setupLog := logger.WithName("setup")
	setupLog.Info(fmt.Sprintf("starting rxscenario %s", info.String()))

	if scenarioFile == "" {
		setupLog.Error(errors.New("no scenario file"), "the -scenario flag is mandatory")
		os.Exit(1)
	}

	s, err := scenario.LoadFile(scenarioFile)
	if err != nil {
		setupLog.Error(err, "unable to load scenario")
		os.Exit(1)
	}

	if diagram != "" {
		gen, err := visualize.NewGenerator(diagram)
		if err != nil {
			setupLog.Error(err, "unable to render operator graph")
			os.Exit(1)
		}
		fmt.Print(gen.Generate(visualize.BuildGraph(s)))
		os.Exit(0)
	}

	report, runErr := s.Run(logger)

	out, err := yaml.Marshal(report)
	if err != nil {
		setupLog.Error(err, "unable to render report")
		os.Exit(1)
	}
	fmt.Print(string(out))

	if runErr != nil {
		setupLog.Error(runErr, "scenario failed")
		os.Exit(2)
	}
}
