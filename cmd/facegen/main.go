// facegen trains face image generators (a variational autoencoder or a generative adversarial
// network) and synthesizes images from their checkpoints.
//
// Usage:
//
//	facegen train -model=vae|gan [-data=<dir>] [-checkpoints=<dir>] [-seed=<n>] [-backend=<config>] [-set="k=v;..."]
//	facegen generate -checkpoint=<file or run dir> [-n=<count>] [-out=<dir>]
//	facegen inspect [-vars] [-metrics] <file or run dir>
//
// The data and checkpoints directories default to the DATASET_PATH and CKPT_DIR environment variables,
// which can also be set in a ".env" file.
package main

import (
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

type command struct {
	name, usage string
	run         func(args []string) error
}

var commands = []command{
	{"train", "trains a model on a folder of images", runTrain},
	{"generate", "writes images synthesized by a trained model", runGenerate},
	{"inspect", "reports on a checkpoint and the metrics of its run", runInspect},
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s <command> [flags]\n\nCommands:\n", os.Args[0])
	for _, cmd := range commands {
		_, _ = fmt.Fprintf(out, "  %-10s %s\n", cmd.name, cmd.usage)
	}
	_, _ = fmt.Fprintf(out, "\nRun \"%s <command> -help\" for the flags of a command.\n", os.Args[0])
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name, args := os.Args[1], os.Args[2:]
	for _, cmd := range commands {
		if cmd.name != name {
			continue
		}
		err := cmd.run(args)
		klog.Flush()
		if err != nil {
			klog.Errorf("%s failed: %+v", name, err)
			os.Exit(1)
		}
		return
	}
	klog.Errorf("unknown command %q", name)
	usage()
	os.Exit(2)
}
