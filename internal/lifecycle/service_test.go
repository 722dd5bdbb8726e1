package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/mcmanager/manager/internal/clock"
	"github.com/mcmanager/manager/internal/domain"
	"github.com/mcmanager/manager/internal/network"
	"github.com/mcmanager/manager/internal/queue"
	"github.com/mcmanager/manager/internal/storage"
)

type serviceFixture struct {
	docker *fakeContainers
	jobs   *recordingJobs
	svc    *Service
}

func newServiceFixture(t *testing.T) (*serviceFixture, *storage.Store) {
	t.Helper()
	s := openStore(t)
	f := &serviceFixture{
		docker: newFakeContainers(),
		jobs:   &recordingJobs{infos: map[string]queue.Info{}},
	}
	f.svc = NewService(s, f.docker, f.jobs, network.NewPortAllocator(25565, false), clock.Fake(epoch), discard(), ServiceOptions{
		Image:   "itzg/minecraft-server",
		DataDir: "/srv/mc",
	})
	return f, s
}

func TestServiceCreate(t *testing.T) {
	t.Parallel()
	f, _ := newServiceFixture(t)
	ctx := context.Background()

	inst, jobID, err := f.svc.Create(ctx, CreateRequest{Name: "survival", Version: "1.20.4"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.Status != domain.StatusToSetup || inst.Port != 25565 || inst.ContainerRef != "container01" {
		t.Errorf("instance = %+v", inst)
	}
	if jobID != "job-1" {
		t.Errorf("job id = %q", jobID)
	}

	p := f.jobs.last(t)
	if p.InstanceID != inst.ID || p.ContainerRef != "container01" || !p.Enqueued().Equal(epoch) {
		t.Errorf("payload = %+v", p)
	}

	if len(f.docker.created) != 1 {
		t.Fatalf("created %d containers", len(f.docker.created))
	}
	opts := f.docker.created[0]
	if opts.Name != "mcmanager-1" || opts.Image != "itzg/minecraft-server" {
		t.Errorf("options = %+v", opts)
	}
	if len(opts.Ports) != 1 || opts.Ports[0].HostPort != 25565 || opts.Ports[0].ContainerPort != GamePort {
		t.Errorf("ports = %+v", opts.Ports)
	}
	if len(opts.Volumes) != 1 || opts.Volumes[0].HostPath != "/srv/mc/1" || opts.Volumes[0].ContainerPath != "/data" {
		t.Errorf("volumes = %+v", opts.Volumes)
	}
	if opts.Env["VERSION"] != "1.20.4" || opts.Env["EULA"] != "TRUE" {
		t.Errorf("env = %v", opts.Env)
	}

	second, _, err := f.svc.Create(ctx, CreateRequest{Name: "creative"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Port != 25566 {
		t.Errorf("second port = %d, want 25566", second.Port)
	}
}

func TestServiceCreateValidation(t *testing.T) {
	t.Parallel()
	f, _ := newServiceFixture(t)

	cases := map[string]CreateRequest{
		"no name":      {Name: "  "},
		"bad version":  {Name: "a", Version: "1.20 4"},
		"bad props":    {Name: "a", Properties: domain.Properties{Difficulty: "nightmare"}},
		"many players": {Name: "a", Properties: domain.Properties{MaxPlayers: 5000}},
	}
	for name, req := range cases {
		_, _, err := f.svc.Create(context.Background(), req)
		var ve domain.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: err = %v, want validation error", name, err)
		}
	}
	if len(f.docker.created) != 0 {
		t.Error("container created for an invalid request")
	}
}

func TestServiceCreateContainerFailureDiscardsRecord(t *testing.T) {
	t.Parallel()
	f, s := newServiceFixture(t)
	f.docker.createErr = errors.New("image not found")
	ctx := context.Background()

	if _, _, err := f.svc.Create(ctx, CreateRequest{Name: "survival"}); err == nil {
		t.Fatal("expected error")
	}
	list, err := s.ListInstances(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("live servers = %+v, want none", list)
	}
	if len(f.jobs.payloads) != 0 {
		t.Error("start enqueued for a failed create")
	}

	// The port is free again.
	f.docker.createErr = nil
	inst, _, err := f.svc.Create(ctx, CreateRequest{Name: "survival"})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Port != 25565 {
		t.Errorf("port = %d, want 25565", inst.Port)
	}
}

func TestServiceStart(t *testing.T) {
	t.Parallel()
	f, s := newServiceFixture(t)
	ctx := context.Background()

	stopped := seed(t, s, domain.StatusStopped, "container01")
	if _, err := f.svc.Start(ctx, stopped.ID); err != nil {
		t.Fatalf("start stopped: %v", err)
	}
	if p := f.jobs.last(t); p.InstanceID != stopped.ID {
		t.Errorf("payload = %+v", p)
	}

	starting := seed(t, s, domain.StatusStarting, "container02")
	if _, err := f.svc.Start(ctx, starting.ID); !IsConflict(err) {
		t.Errorf("start starting: err = %v, want conflict", err)
	}

	bare := seed(t, s, domain.StatusToSetup, "")
	if _, err := f.svc.Start(ctx, bare.ID); !IsConflict(err) {
		t.Errorf("start without container: err = %v, want conflict", err)
	}

	deleted := seed(t, s, domain.StatusDeleted, "container03")
	if _, err := f.svc.Start(ctx, deleted.ID); !domain.IsNotFound(err) {
		t.Errorf("start deleted: err = %v, want not found", err)
	}
	if _, err := f.svc.Start(ctx, 999); !domain.IsNotFound(err) {
		t.Errorf("start unknown: err = %v, want not found", err)
	}
}

func TestServiceStop(t *testing.T) {
	t.Parallel()
	f, s := newServiceFixture(t)
	ctx := context.Background()

	running := seed(t, s, domain.StatusRunning, "container01")
	f.docker.setRunning("container01", true)
	got, err := f.svc.Stop(ctx, running.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got.Status != domain.StatusStopped || statusOf(t, s, running.ID) != domain.StatusStopped {
		t.Errorf("status = %s, want STOPPED", got.Status)
	}
	if f.docker.count("stop container01") != 1 {
		t.Error("container not stopped")
	}

	// Stopping again is a no-op.
	if _, err := f.svc.Stop(ctx, running.ID); err != nil {
		t.Errorf("second stop: %v", err)
	}
	if f.docker.count("stop ") != 1 {
		t.Error("stopped container stopped again")
	}

	fresh := seed(t, s, domain.StatusToSetup, "container02")
	if _, err := f.svc.Stop(ctx, fresh.ID); !IsConflict(err) {
		t.Errorf("stop TO_SETUP: err = %v, want conflict", err)
	}
}

func TestServiceRestart(t *testing.T) {
	t.Parallel()
	f, s := newServiceFixture(t)
	ctx := context.Background()

	inst := seed(t, s, domain.StatusRunning, "container01")
	f.docker.setRunning("container01", true)
	if _, err := f.svc.Restart(ctx, inst.ID); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if statusOf(t, s, inst.ID) != domain.StatusStopped {
		t.Error("restart did not stop the server first")
	}
	if p := f.jobs.last(t); p.InstanceID != inst.ID {
		t.Errorf("payload = %+v", p)
	}

	starting := seed(t, s, domain.StatusStarting, "container02")
	if _, err := f.svc.Restart(ctx, starting.ID); !IsConflict(err) {
		t.Errorf("restart starting: err = %v, want conflict", err)
	}
}

func TestServiceDelete(t *testing.T) {
	t.Parallel()
	f, s := newServiceFixture(t)
	ctx := context.Background()

	inst := seed(t, s, domain.StatusRunning, "container01")
	if err := f.svc.Delete(ctx, inst.ID, false); !IsConflict(err) {
		t.Fatalf("delete running: err = %v, want conflict", err)
	}
	if err := f.svc.Delete(ctx, inst.ID, true); err != nil {
		t.Fatalf("force delete: %v", err)
	}
	if f.docker.count("rm container01 force=true") != 1 {
		t.Errorf("calls = %v", f.docker.calls)
	}
	if statusOf(t, s, inst.ID) != domain.StatusDeleted {
		t.Error("server not marked DELETED")
	}
	if _, err := f.svc.Get(ctx, inst.ID); !domain.IsNotFound(err) {
		t.Errorf("get deleted: err = %v, want not found", err)
	}
	if err := f.svc.Delete(ctx, inst.ID, true); !domain.IsNotFound(err) {
		t.Errorf("delete twice: err = %v, want not found", err)
	}
}

func TestServiceUpdateRecreatesContainer(t *testing.T) {
	t.Parallel()
	f, s := newServiceFixture(t)
	ctx := context.Background()

	inst := seed(t, s, domain.StatusRunning, "old")
	f.docker.setRunning("old", true)

	got, err := f.svc.Update(ctx, inst.ID, UpdateRequest{
		Version:    "1.21",
		Properties: domain.Properties{MaxPlayers: 8},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.ContainerRef != "container01" || got.Version != "1.21" || got.Status != domain.StatusStopped {
		t.Errorf("instance = %+v", got)
	}
	if got.Port != inst.Port {
		t.Errorf("port changed from %d to %d", inst.Port, got.Port)
	}
	if got.Properties.MaxPlayers != 8 || got.Properties.Difficulty != domain.DefaultProperties().Difficulty {
		t.Errorf("properties = %+v", got.Properties)
	}
	if f.docker.count("rm old force=true") != 1 {
		t.Errorf("old container not removed: %v", f.docker.calls)
	}
	if env := f.docker.created[0].Env; env["MAX_PLAYERS"] != "8" || env["VERSION"] != "1.21" {
		t.Errorf("env = %v", env)
	}

	starting := seed(t, s, domain.StatusStarting, "c2")
	if _, err := f.svc.Update(ctx, starting.ID, UpdateRequest{Version: "1.21"}); !IsConflict(err) {
		t.Errorf("update starting: err = %v, want conflict", err)
	}
}

func TestServiceListOperators(t *testing.T) {
	t.Parallel()
	f, s := newServiceFixture(t)
	ctx := context.Background()

	stopped := seed(t, s, domain.StatusStopped, "c1")
	if _, err := f.svc.ListOperators(ctx, stopped.ID); !IsConflict(err) {
		t.Errorf("list on stopped: err = %v, want conflict", err)
	}

	running := seed(t, s, domain.StatusRunning, "c2")
	ops, err := f.svc.ListOperators(ctx, running.ID)
	if err != nil {
		t.Fatalf("list without ops.json: %v", err)
	}
	if ops == nil || len(ops) != 0 {
		t.Errorf("ops = %#v, want empty list", ops)
	}

	f.docker.files = map[string]string{
		"/data/ops.json": `[{"uuid":"069a79f4-44e9-4726-a5be-fca90e38aaf5","name":"Notch","level":4,"bypassesPlayerLimit":false}]`,
	}
	ops, err = f.svc.ListOperators(ctx, running.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 || ops[0].Name != "Notch" || ops[0].Level != 4 {
		t.Errorf("ops = %+v", ops)
	}
	if f.docker.count("read c2 /data/ops.json") != 2 {
		t.Errorf("calls = %v", f.docker.calls)
	}

	f.docker.files["/data/ops.json"] = "{not json"
	if _, err := f.svc.ListOperators(ctx, running.ID); err == nil {
		t.Error("expected parse error")
	}
}

func TestServiceConsoleNeedsRunningServer(t *testing.T) {
	t.Parallel()
	f, s := newServiceFixture(t)
	ctx := context.Background()
	f.docker.execOut = "ok"

	stopped := seed(t, s, domain.StatusStopped, "c1")
	if _, err := f.svc.SaveWorld(ctx, stopped.ID); !IsConflict(err) {
		t.Errorf("save on stopped: err = %v, want conflict", err)
	}

	running := seed(t, s, domain.StatusRunning, "c2")
	if out, err := f.svc.SaveWorld(ctx, running.ID); err != nil || out != "ok" {
		t.Errorf("save = %q, %v", out, err)
	}
	if _, err := f.svc.Operators(ctx, running.ID, "Steve_1", false); err != nil {
		t.Errorf("op: %v", err)
	}
	if _, err := f.svc.Operators(ctx, running.ID, "Steve_1", true); err != nil {
		t.Errorf("deop: %v", err)
	}
	var ve domain.ValidationError
	if _, err := f.svc.Operators(ctx, running.ID, "bad name; stop", false); !errors.As(err, &ve) {
		t.Errorf("op bad name: err = %v, want validation error", err)
	}
	if _, err := f.svc.Exec(ctx, running.ID, nil); !errors.As(err, &ve) {
		t.Errorf("exec nothing: err = %v, want validation error", err)
	}
	results, err := f.svc.Exec(ctx, running.ID, []string{"say hi", "list"})
	if err != nil || len(results) != 2 {
		t.Errorf("exec = %+v, %v", results, err)
	}

	for _, want := range []string{"exec c2 save-all flush", "exec c2 op Steve_1", "exec c2 deop Steve_1", "exec c2 say hi"} {
		if f.docker.count(want) != 1 {
			t.Errorf("missing %q in %v", want, f.docker.calls)
		}
	}
}

func TestServiceLogs(t *testing.T) {
	t.Parallel()
	f, s := newServiceFixture(t)
	ctx := context.Background()
	inst := seed(t, s, domain.StatusStopped, "c1")

	if out, err := f.svc.Logs(ctx, inst.ID, 50); err != nil || out == "" {
		t.Errorf("logs = %q, %v", out, err)
	}
	if f.docker.count("logs c1 tail=50") != 1 {
		t.Errorf("calls = %v", f.docker.calls)
	}
	var ve domain.ValidationError
	if _, err := f.svc.Logs(ctx, inst.ID, -1); !errors.As(err, &ve) {
		t.Errorf("negative tail: err = %v", err)
	}
}

func TestServiceTaskStatus(t *testing.T) {
	t.Parallel()
	f, _ := newServiceFixture(t)
	ctx := context.Background()
	payload, err := EncodePayload(StartPayload{InstanceID: 42, ContainerRef: "container01"})
	if err != nil {
		t.Fatal(err)
	}
	f.jobs.infos["job-7"] = queue.Info{ID: "job-7", Status: queue.StatusInProgress, Attempts: 1, MaxAttempts: 3, Payload: payload}

	info, err := f.svc.TaskStatus(ctx, "job-7")
	if err != nil || info.Status != queue.StatusInProgress {
		t.Errorf("status = %+v, %v", info, err)
	}
	if info.ServerID != 42 {
		t.Errorf("server id = %d, want 42", info.ServerID)
	}
	if _, err := f.svc.TaskStatus(ctx, "nope"); !domain.IsNotFound(err) {
		t.Errorf("unknown job: err = %v, want not found", err)
	}
	var ve domain.ValidationError
	if _, err := f.svc.TaskStatus(ctx, " "); !errors.As(err, &ve) {
		t.Errorf("empty id: err = %v, want validation error", err)
	}
}

func TestContainerEnvDefaults(t *testing.T) {
	t.Parallel()
	env := ContainerEnv(domain.Instance{Properties: domain.Properties{MOTD: "hello"}})
	want := map[string]string{
		"EULA":          "TRUE",
		"VERSION":       "LATEST",
		"MOTD":          "hello",
		"MAX_PLAYERS":   "20",
		"DIFFICULTY":    "easy",
		"LEVEL":         "world",
		"VIEW_DISTANCE": "10",
		"ONLINE_MODE":   "FALSE",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
}
