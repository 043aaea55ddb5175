package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"linuxdiag/pkg/command"
	"linuxdiag/pkg/define"
	"linuxdiag/pkg/gatekeeper"
	"linuxdiag/pkg/httpserver"
	"linuxdiag/pkg/network"
	"linuxdiag/pkg/system"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

var scriptFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:  define.FlagKind,
		Usage: "script interpreter, bash or python",
		Value: string(gatekeeper.KindBash),
	},
	&cli.StringFlag{
		Name:     define.FlagDescription,
		Usage:    "what the script does and why, shown to the reviewer and the policy check",
		Required: true,
	},
	&cli.StringFlag{
		Name:  define.FlagFile,
		Usage: "read the script from this file, - for stdin. Without it the arguments are the script",
	},
}, targetFlags[:2]...)

var scriptCmd = cli.Command{
	Name:        "script",
	Usage:       "submit, review and run scripts through the server",
	Description: "scripts pass a policy check first. Submitted scripts then wait for approval, direct runs execute at once",
	Commands: []*cli.Command{
		{
			Name:      "submit",
			Usage:     "submit a script for approval",
			UsageText: "script submit --description TEXT [--file PATH | script...]",
			Flags:     scriptFlags,
			Action:    submitScript,
		},
		{
			Name:      "run",
			Usage:     "check and run a script without approval",
			UsageText: "script run [--readonly] --description TEXT [--file PATH | script...]",
			Flags: append([]cli.Flag{
				&cli.BoolFlag{
					Name:  define.FlagReadonly,
					Usage: "run sandboxed without write access or network",
					Value: true,
				},
			}, scriptFlags...),
			Action: runScript,
		},
		{
			Name:   "list",
			Usage:  "list script executions",
			Action: listScripts,
		},
		{
			Name:      "status",
			Usage:     "show one script execution",
			UsageText: "script status ID",
			Action:    scriptStatus,
		},
		{
			Name:      "approve",
			Usage:     "approve and run a waiting script",
			UsageText: "script approve [--yes] ID",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
			},
			Action: decide(true),
		},
		{
			Name:      "reject",
			Usage:     "decline a waiting script",
			UsageText: "script reject ID",
			Action:    decide(false),
		},
		{
			Name:   "review",
			Usage:  "go through waiting scripts one by one",
			Action: reviewScripts,
		},
	},
}

func readScript(cmd *cli.Command) (string, error) {
	switch file := cmd.String(define.FlagFile); file {
	case "":
		if cmd.Args().Len() == 0 {
			return "", fmt.Errorf("no script given, pass it as arguments or with --%s", define.FlagFile)
		}
		return strings.Join(cmd.Args().Slice(), " "), nil
	case "-":
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	default:
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read script: %w", err)
		}
		return string(b), nil
	}
}

func submission(cmd *cli.Command) (gatekeeper.Submission, error) {
	script, err := readScript(cmd)
	if err != nil {
		return gatekeeper.Submission{}, err
	}
	kind, err := gatekeeper.ParseKind(cmd.String(define.FlagKind))
	if err != nil {
		return gatekeeper.Submission{}, err
	}
	return gatekeeper.Submission{
		Script:      script,
		Kind:        kind,
		Description: cmd.String(define.FlagDescription),
		Host:        cmd.String(define.FlagHost),
		User:        cmd.String(define.FlagUser),
	}, nil
}

func submitScript(ctx context.Context, cmd *cli.Command) error {
	sub, err := submission(cmd)
	if err != nil {
		return err
	}
	client, err := apiClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	var e gatekeeper.Execution
	if err := client.Post(define.RestAPIScriptsURL).JSONBody(sub).DoJSON(ctx, &e); err != nil {
		return apiError(err)
	}
	printExecution(os.Stdout, e)
	if e.State == gatekeeper.StateWaitingApproval {
		fmt.Printf("approve with: linuxdiag script approve %s\n", e.ID)
	}
	return nil
}

func runScript(ctx context.Context, cmd *cli.Command) error {
	sub, err := submission(cmd)
	if err != nil {
		return err
	}
	client, err := apiClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	body := httpserver.RunRequest{Submission: sub, Readonly: cmd.Bool(define.FlagReadonly)}
	var res command.Result
	if err := client.Post(define.RestAPIScriptsURL + "/run").JSONBody(body).DoJSON(ctx, &res); err != nil {
		return apiError(err)
	}
	return printResult(&res)
}

func listScripts(ctx context.Context, cmd *cli.Command) error {
	client, err := apiClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	list, err := fetchScripts(ctx, client)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tTARGET\tDESCRIPTION")
	width := system.TerminalWidth(120)
	for _, e := range list {
		target := e.Host
		if target == "" {
			target = "local"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.State, target, truncate(e.Description, width/3))
	}
	return w.Flush()
}

func fetchScripts(ctx context.Context, client *network.Client) ([]gatekeeper.Execution, error) {
	var list []gatekeeper.Execution
	if err := client.Get(define.RestAPIScriptsURL).DoJSON(ctx, &list); err != nil {
		return nil, apiError(err)
	}
	return list, nil
}

func scriptStatus(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("no script id given")
	}
	client, err := apiClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	var e gatekeeper.Execution
	if err := client.Get(define.RestAPIScriptsURL + "/" + id).DoJSON(ctx, &e); err != nil {
		return apiError(err)
	}
	printExecution(os.Stdout, e)
	return nil
}

func decide(approve bool) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		id := cmd.Args().First()
		if id == "" {
			return fmt.Errorf("no script id given")
		}
		client, err := apiClient(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		if approve && !cmd.Bool("yes") {
			var e gatekeeper.Execution
			if err := client.Get(define.RestAPIScriptsURL + "/" + id).DoJSON(ctx, &e); err != nil {
				return apiError(err)
			}
			printExecution(os.Stdout, e)
			ok, err := system.Confirm(os.Stdin, os.Stdout, "Run this script?")
			if err != nil || !ok {
				return err
			}
		}
		return postDecision(ctx, client, id, approve)
	}
}

func postDecision(ctx context.Context, client *network.Client, id string, approve bool) error {
	action := "reject"
	if approve {
		action = "approve"
	}
	var e gatekeeper.Execution
	if err := client.Post(define.RestAPIScriptsURL + "/" + id + "/" + action).DoJSON(ctx, &e); err != nil {
		return apiError(err)
	}
	printExecution(os.Stdout, e)
	if e.Result != nil {
		_, _ = os.Stdout.WriteString(e.Result.Stdout)
		_, _ = os.Stderr.WriteString(e.Result.Stderr)
	}
	return nil
}

func reviewScripts(ctx context.Context, cmd *cli.Command) error {
	if !system.IsTerminal() {
		return fmt.Errorf("review needs an interactive terminal")
	}
	client, err := apiClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	list, err := fetchScripts(ctx, client)
	if err != nil {
		return err
	}
	waiting := 0
	for _, e := range list {
		if e.State != gatekeeper.StateWaitingApproval {
			continue
		}
		waiting++
		printExecution(os.Stdout, e)
		ok, err := system.Confirm(os.Stdin, os.Stdout, "Run this script?")
		if err != nil {
			return err
		}
		if err := postDecision(ctx, client, e.ID, ok); err != nil {
			logrus.Warnf("script %s: %v", e.ID, err)
		}
		fmt.Println()
	}
	if waiting == 0 {
		fmt.Println("no scripts are waiting for approval")
	}
	return nil
}

func printExecution(w io.Writer, e gatekeeper.Execution) {
	target := e.Host
	if target == "" {
		target = "local"
	} else if e.User != "" {
		target = e.User + "@" + target
	}
	fmt.Fprintf(w, "id:          %s\n", e.ID)
	fmt.Fprintf(w, "state:       %s\n", e.State)
	fmt.Fprintf(w, "target:      %s\n", target)
	fmt.Fprintf(w, "type:        %s\n", e.Kind)
	fmt.Fprintf(w, "description: %s\n", e.Description)
	if e.Verdict != nil {
		fmt.Fprintf(w, "verdict:     %s", e.Verdict.Status)
		if e.Verdict.Detail != "" {
			fmt.Fprintf(w, " (%s)", e.Verdict.Detail)
		}
		fmt.Fprintln(w)
	}
	if e.Error != "" {
		fmt.Fprintf(w, "error:       %s\n", e.Error)
	}
	if e.Result != nil {
		fmt.Fprintf(w, "exit code:   %d\n", e.Result.ExitCode)
	}
	fmt.Fprintf(w, "script:\n%s\n", indent(e.Script, "    "))
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if n < 10 {
		n = 10
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
