package main

import (
	"fmt"
	"strconv"

	"github.com/airbusgeo/vrtbuffer"
	"github.com/alessio/shellescape"
	wfv1 "github.com/argoproj/argo-workflows/v3/pkg/apis/workflow/v1alpha1"
	"github.com/google/uuid"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	k8sv1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	k8smeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/yaml"
)

var jobid string
var dockerImage string
var workerArgs string
var shell bool
var tilesPerJob int
var cpu, memory string

func int32Ptr(val int32) *int32 {
	a := val
	return &a
}
func intOrStringPtr(val int) *intstr.IntOrString {
	a := intstr.FromInt(val)
	return &a
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "create a workflow running pad or crop with one job per group of tiles",
}

var planPadCmd = &cobra.Command{
	Use:   "pad input_dir output_dir [mosaic.vrt]",
	Short: "create a workflow padding every tile of input_dir",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := vrtbuffer.ListTiles(cmd.Context(), store, args[0], listOptions()...)
		if err != nil {
			return err
		}
		base := append([]string{"vrtbuffer", "pad"}, args...)
		if f := cmd.Flags().Lookup("fill"); f != nil && f.Changed {
			base = append(base, "--fill", strconv.FormatFloat(fill, 'g', -1, 64))
		}
		return emitPlan("pad", base, names)
	},
}

var planCropCmd = &cobra.Command{
	Use:   "crop original_dir padded_dir output_dir",
	Short: "create a workflow cropping every padded tile back to its original",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := vrtbuffer.ListTiles(cmd.Context(), store, args[1], listOptions()...)
		if err != nil {
			return err
		}
		return emitPlan("crop", append([]string{"vrtbuffer", "crop"}, args...), names)
	},
}

func emitPlan(op string, base []string, paths []string) error {
	extra, err := shellwords.Parse(workerArgs)
	if err != nil {
		return fmt.Errorf("parse --workerArgs: %w", err)
	}
	base = append(base, "--margin", strconv.Itoa(margin))
	for _, co := range copts {
		base = append(base, "--co", co)
	}
	for _, c := range configOpts {
		base = append(base, "--config", c)
	}
	for _, e := range exts {
		base = append(base, "--ext", e)
	}
	base = append(base, extra...)
	commands := workerCommands(base, paths, tilesPerJob)
	if shell {
		for _, c := range commands {
			fmt.Println(shellescape.QuoteCommand(c))
		}
		return nil
	}
	if jobid == "" {
		jobid = uuid.New().String()
	}
	wf, err := buildWorkflow(op, jobid, dockerImage, cpu, memory, commands)
	if err != nil {
		return err
	}
	yb, err := yaml.Marshal(wf)
	if err != nil {
		return err
	}
	fmt.Println(string(yb))
	return nil
}

// workerCommands appends --tile selectors to base, perJob tiles per command.
func workerCommands(base []string, paths []string, perJob int) [][]string {
	if perJob < 1 {
		perJob = 1
	}
	var commands [][]string
	for i := 0; i < len(paths); i += perJob {
		end := i + perJob
		if end > len(paths) {
			end = len(paths)
		}
		command := append([]string{}, base...)
		command = append(command, "--workers", "1")
		for _, p := range paths[i:end] {
			command = append(command, "--tile", baseName(p))
		}
		commands = append(commands, command)
	}
	return commands
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[i+1:]
		}
	}
	return p
}

// buildWorkflow returns an argo workflow running every command in parallel,
// each in its own retried container.
func buildWorkflow(op, jobid, image, cpu, memory string, commands [][]string) (*wfv1.Workflow, error) {
	cpuq, err := resource.ParseQuantity(cpu)
	if err != nil {
		return nil, fmt.Errorf("cpu %q: %w", cpu, err)
	}
	memq, err := resource.ParseQuantity(memory)
	if err != nil {
		return nil, fmt.Errorf("memory %q: %w", memory, err)
	}
	wf := &wfv1.Workflow{
		ObjectMeta: k8smeta.ObjectMeta{
			GenerateName: "vrtbuffer-" + op + "-",
			Labels: map[string]string{
				"vrtbuffer/job": jobid,
			},
		},
		TypeMeta: k8smeta.TypeMeta{
			APIVersion: "argoproj.io/v1alpha1",
			Kind:       "Workflow",
		},
		Spec: wfv1.WorkflowSpec{
			TTLStrategy: &wfv1.TTLStrategy{
				SecondsAfterSuccess: int32Ptr(3600),
			},
			Entrypoint: "vrtbuffer",
			TemplateDefaults: &wfv1.Template{
				Container: &k8sv1.Container{
					ImagePullPolicy: k8sv1.PullAlways,
					Resources: k8sv1.ResourceRequirements{
						Requests: k8sv1.ResourceList{
							k8sv1.ResourceCPU:    cpuq,
							k8sv1.ResourceMemory: memq,
						},
					},
				},
			},
			Templates: []wfv1.Template{
				{Name: "vrtbuffer"},
			},
		},
	}
	ps := wfv1.ParallelSteps{}
	for i, c := range commands {
		ps.Steps = append(ps.Steps, wfv1.WorkflowStep{
			Name: fmt.Sprintf("%s-%d", op, i),
			Inline: &wfv1.Template{
				RetryStrategy: &wfv1.RetryStrategy{
					Limit: intOrStringPtr(5),
				},
				Container: &k8sv1.Container{
					Name:    "worker",
					Image:   image,
					Command: c,
				},
			},
		})
	}
	if len(ps.Steps) > 0 {
		wf.Spec.Templates[0].Steps = append(wf.Spec.Templates[0].Steps, ps)
	}
	return wf, nil
}

func initPlan() {
	planCmd.PersistentFlags().StringVar(&jobid, "jobid", "", "job identifier, defaults to a random uuid")
	planCmd.PersistentFlags().StringVar(&dockerImage, "dockerImage", "", "docker image the workers run")
	planCmd.PersistentFlags().StringVar(&workerArgs, "workerArgs", "", "additional arguments passed to every worker, e.g. \"--verbose --blocksize 1M\"")
	planCmd.PersistentFlags().BoolVar(&shell, "shell", false, "print the worker commands instead of the workflow")
	planCmd.PersistentFlags().IntVar(&tilesPerJob, "tilesPerJob", 1, "number of tiles handled by each worker")
	planCmd.PersistentFlags().StringVar(&cpu, "cpu", "1", "cpu requested by each worker")
	planCmd.PersistentFlags().StringVar(&memory, "memory", "2G", "memory requested by each worker")
	planCmd.PersistentFlags().IntVar(&margin, "margin", 0, "margin in pixels")
	planCmd.MarkPersistentFlagRequired("margin")
	planPadCmd.Flags().Float64Var(&fill, "fill", 0, "nodata value for tiles that do not declare one")
	planCmd.AddCommand(planPadCmd, planCropCmd)
}
