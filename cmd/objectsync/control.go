package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/urfave/cli/v2"

	"github.com/objectfs/objectsync/internal/stats"
	"github.com/objectfs/objectsync/pkg/status"
)

// controlClient talks to the control API of a running sync.
type controlClient struct {
	*resty.Client
}

func newControlClient(server string) *controlClient {
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(server, "/")).
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json")
	return &controlClient{Client: client}
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// call sends one request and decodes a successful answer into out.
func (cc *controlClient) call(method, path string, body, out interface{}) error {
	var failure apiError
	req := cc.R().SetError(&failure)
	if out != nil {
		req.SetResult(out)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("contacting %s: %w", cc.BaseURL, err)
	}
	if resp.IsError() {
		if failure.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, failure.Error, resp.Status())
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status())
	}
	return nil
}

func (r *runner) controlCommand(name, usage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<job-id>",
		Flags:     []cli.Flag{newServerFlag()},
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return cli.Exit(name+" needs a job id", exitFatal)
			}
			var st status.JobStatus
			if err := newControlClient(c.String("server")).call("POST", "/jobs/"+id+"/"+name, nil, &st); err != nil {
				return cli.Exit(err.Error(), exitFatal)
			}
			fmt.Fprintf(r.stdout, "%s: %s\n", st.ID, st.State)
			return nil
		},
	}
}

func (r *runner) runThreads(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("threads needs a job id", exitFatal)
	}
	if !c.IsSet("query-threads") && !c.IsSet("sync-threads") {
		return cli.Exit("set --query-threads or --sync-threads", exitFatal)
	}

	// unset counts are left out so the server keeps them
	body := map[string]int{}
	if c.IsSet("query-threads") {
		body["query_threads"] = c.Int("query-threads")
	}
	if c.IsSet("sync-threads") {
		body["sync_threads"] = c.Int("sync-threads")
	}

	var st status.JobStatus
	if err := newControlClient(c.String("server")).call("PUT", "/jobs/"+id+"/threads", body, &st); err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	fmt.Fprintf(r.stdout, "%s: query_threads=%d sync_threads=%d\n", st.ID, st.QueryThreads, st.SyncThreads)
	return nil
}

func (r *runner) runStatus(c *cli.Context) error {
	client := newControlClient(c.String("server"))

	if id := c.String("job"); id != "" {
		var st status.JobStatus
		if err := client.call("GET", "/jobs/"+id, nil, &st); err != nil {
			return cli.Exit(err.Error(), exitFatal)
		}
		r.printStatus(st)
		return nil
	}

	var list struct {
		Jobs []status.JobStatus `json:"jobs"`
	}
	if err := client.call("GET", "/jobs", nil, &list); err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	if len(list.Jobs) == 0 {
		fmt.Fprintln(r.stdout, "no jobs")
		return nil
	}
	for _, st := range list.Jobs {
		r.printStatus(st)
	}
	return nil
}

func (r *runner) printStatus(st status.JobStatus) {
	s := st.Stats
	fmt.Fprintf(r.stdout, "%s  %-9s  threads %d/%d  %d complete, %d copy-skipped, %d skipped, %d failed  %s",
		st.ID, st.State, st.QueryThreads, st.SyncThreads,
		s.ObjectsComplete, s.ObjectsCopySkipped, s.ObjectsSkipped, s.ObjectsFailed,
		stats.FormatBytes(s.BytesComplete))
	if st.Percentage > 0 {
		fmt.Fprintf(r.stdout, "  %.1f%%", st.Percentage)
	}
	if st.ETA != nil {
		fmt.Fprintf(r.stdout, "  eta %s", st.ETA.Round(time.Second))
	}
	fmt.Fprintln(r.stdout)
}
