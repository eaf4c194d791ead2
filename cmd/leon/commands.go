package main

import (
	"encoding/json"
	"flag"
	"fmt"

	v1 "github.com/getleon/leon/pkg/api/v1"
)

func cmdThreadCreate(c *client, args []string) error {
	fs := flag.NewFlagSet("thread create", flag.ExitOnError)
	sandbox := fs.String("sandbox", "", "sandbox provider (local, docker)")
	cwd := fs.String("cwd", "", "working directory inside the sandbox")
	agentName := fs.String("agent", "", "agent profile name")
	_ = fs.Parse(args)
	if *sandbox == "" {
		fatalUsage("thread create requires -sandbox")
	}

	var out json.RawMessage
	err := c.postJSON("/api/v1/threads", v1.CreateThreadRequest{
		Sandbox: *sandbox,
		Cwd:     *cwd,
		Agent:   *agentName,
	}, &out)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdThreadList(c *client) error {
	var out json.RawMessage
	if err := c.getJSON("/api/v1/threads", &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdThreadGet(c *client, args []string) error {
	threadID, _ := threadArg("thread get", args)
	var out json.RawMessage
	if err := c.getJSON("/api/v1/threads/"+threadID, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdThreadDelete(c *client, args []string) error {
	threadID, _ := threadArg("thread delete", args)
	if err := c.del("/api/v1/threads/" + threadID); err != nil {
		return err
	}
	fmt.Println("deleted", threadID)
	return nil
}

func cmdRunStart(c *client, args []string) error {
	threadID, rest := threadArg("run start", args)
	fs := flag.NewFlagSet("run start", flag.ExitOnError)
	message := fs.String("m", "", "message that starts the run")
	trajectory := fs.Bool("trajectory", false, "record the full transcript on the done event")
	_ = fs.Parse(rest)
	if *message == "" {
		fatalUsage("run start requires -m")
	}

	var out v1.StartRunResponse
	err := c.postJSON("/api/v1/threads/"+threadID+"/runs", v1.StartRunRequest{
		Message:          *message,
		EnableTrajectory: *trajectory,
	}, &out)
	if err != nil {
		return err
	}
	fmt.Println("run", out.RunID, "started")
	return nil
}

func cmdRunCancel(c *client, args []string) error {
	threadID, _ := threadArg("run cancel", args)
	var out v1.CancelRunResponse
	if err := c.postJSON("/api/v1/threads/"+threadID+"/runs/cancel", nil, &out); err != nil {
		return err
	}
	fmt.Println("run", out.RunID, out.Status)
	return nil
}

func cmdMessageSend(c *client, args []string) error {
	threadID, rest := threadArg("message send", args)
	fs := flag.NewFlagSet("message send", flag.ExitOnError)
	message := fs.String("m", "", "message text")
	interrupt := fs.Bool("interrupt", false, "cancel the active run and queue as followup")
	_ = fs.Parse(rest)
	if *message == "" {
		fatalUsage("message send requires -m")
	}

	var out v1.SendMessageResponse
	err := c.postJSON("/api/v1/threads/"+threadID+"/messages", v1.SendMessageRequest{
		Message:   *message,
		Interrupt: *interrupt,
	}, &out)
	if err != nil {
		return err
	}
	if out.RunID != "" {
		fmt.Printf("%s (%s) run %s\n", out.Status, out.Routing, out.RunID)
	} else {
		fmt.Printf("%s (%s)\n", out.Status, out.Routing)
	}
	return nil
}

func cmdOperatorOrphans(c *client) error {
	var out json.RawMessage
	if err := c.getJSON("/api/v1/operator/orphans", &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdOperatorAdopt(c *client, args []string) error {
	fs := flag.NewFlagSet("operator adopt", flag.ExitOnError)
	threadID := fs.String("thread", "", "thread that takes over the instance")
	provider := fs.String("provider", "", "provider owning the instance")
	instanceID := fs.String("instance", "", "orphan instance id")
	_ = fs.Parse(args)
	if *threadID == "" || *provider == "" || *instanceID == "" {
		fatalUsage("operator adopt requires -thread, -provider, and -instance")
	}

	var out json.RawMessage
	err := c.postJSON("/api/v1/operator/orphans/adopt", v1.AdoptOrphanRequest{
		ThreadID:   *threadID,
		Provider:   *provider,
		InstanceID: *instanceID,
	}, &out)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdOperatorDestroy(c *client, args []string) error {
	fs := flag.NewFlagSet("operator destroy", flag.ExitOnError)
	provider := fs.String("provider", "", "provider owning the instance")
	instanceID := fs.String("instance", "", "orphan instance id")
	_ = fs.Parse(args)
	if *provider == "" || *instanceID == "" {
		fatalUsage("operator destroy requires -provider and -instance")
	}

	var out json.RawMessage
	err := c.postJSON("/api/v1/operator/orphans/destroy", v1.DestroyOrphanRequest{
		Provider:   *provider,
		InstanceID: *instanceID,
	}, &out)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdOperatorLeases(c *client, args []string) error {
	fs := flag.NewFlagSet("operator leases", flag.ExitOnError)
	diverged := fs.Bool("diverged", false, "only leases whose desired and observed state differ")
	_ = fs.Parse(args)

	path := "/api/v1/operator/leases"
	if *diverged {
		path += "?diverged=true"
	}
	var out json.RawMessage
	if err := c.getJSON(path, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdOperatorEvents(c *client) error {
	var out json.RawMessage
	if err := c.getJSON("/api/v1/operator/events", &out); err != nil {
		return err
	}
	return printJSON(out)
}
