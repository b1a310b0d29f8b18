package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oqs-tools/pqsetup/internal/build"
	"github.com/oqs-tools/pqsetup/internal/config"
	"github.com/oqs-tools/pqsetup/internal/ctxlog"
	"github.com/oqs-tools/pqsetup/internal/deps"
	"github.com/oqs-tools/pqsetup/internal/execx"
	"github.com/oqs-tools/pqsetup/internal/fetch"
	"github.com/oqs-tools/pqsetup/internal/fsutil"
	"github.com/oqs-tools/pqsetup/internal/keys"
	"github.com/oqs-tools/pqsetup/internal/pipeline"
	"github.com/oqs-tools/pqsetup/internal/profile"
	"github.com/oqs-tools/pqsetup/internal/render"
	"github.com/oqs-tools/pqsetup/internal/retry"
	"github.com/oqs-tools/pqsetup/internal/service"
)

// fetchAttemptTimeout bounds a single clone attempt; the retry policy
// governs how many attempts each source gets.
const fetchAttemptTimeout = 5 * time.Minute

// runState carries artifacts between steps of one run. Steps communicate
// only through it, never through the App.
type runState struct {
	liboqs  *fetch.Artifact
	openssh *fetch.Artifact
	hostKey *keys.Pair

	configPath string
	unitPath   string
}

func (a *App) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: a.cfg.Retries,
		Delay:       time.Duration(a.cfg.RetryDelaySeconds) * time.Second,
		Multiplier:  a.cfg.RetryBackoff,
	}
}

func (a *App) commandTimeout() time.Duration {
	return time.Duration(a.cfg.TimeoutSeconds) * time.Second
}

// buildToolRequirements lists what both source trees need to compile.
func buildToolRequirements() []deps.Requirement {
	return []deps.Requirement{
		{Tool: "cmake", MinVersion: "3.5"},
		{Tool: "make"},
		{Tool: "gcc"},
		{Tool: "autoreconf"},
	}
}

// addValidateStep checks tools and, for server installs, machine-level
// requirements. Validation failures are fatal and never retried.
func (a *App) addValidateStep(orch *pipeline.Orchestrator, requireRoot bool) {
	orch.AddStep("validate", func(ctx context.Context, _ *pipeline.Control) error {
		validator := deps.NewValidator(a.runner)
		failures := validator.Check(ctx, buildToolRequirements())

		host := deps.HostRequirements{
			RequireRoot:   requireRoot,
			MinFreeDiskMB: 2048,
			MinMemoryMB:   1024,
			Path:          a.cfg.Prefix,
		}
		failures = append(failures, deps.CheckHost(host)...)

		if len(failures) > 0 {
			details := make([]string, len(failures))
			for i, f := range failures {
				details[i] = f.String()
			}
			return fmt.Errorf("%w: %s", deps.ErrValidation, strings.Join(details, "; "))
		}
		return nil
	})
}

// addHookSteps turns profile hooks into pipeline steps.
func (a *App) addHookSteps(orch *pipeline.Orchestrator, hooks []profile.Hook) {
	for _, h := range hooks {
		hook := h
		orch.AddStep("hook-"+hook.Phase+"-"+hook.Name, func(ctx context.Context, _ *pipeline.Control) error {
			_, err := a.runner.Run(ctx, execx.Command{
				Name:    hook.Command,
				Args:    hook.Args,
				Dir:     hook.Dir,
				Timeout: a.commandTimeout(),
			})
			return err
		})
	}
}

// addFetchSteps clones both upstream trees. Fetched trees are removed on
// later failure; a pre-existing tree is backed up first when --force is
// not asking for a pristine re-fetch.
func (a *App) addFetchSteps(orch *pipeline.Orchestrator, st *runState) {
	type source struct {
		name     string
		url      string
		fallback string
		ref      string
		into     **fetch.Artifact
	}
	sources := []source{
		{"liboqs", a.cfg.LiboqsURL, a.cfg.LiboqsFallbackURL, a.cfg.LiboqsVersion, &st.liboqs},
		{"openssh", a.cfg.SSHURL, a.cfg.SSHFallbackURL, a.cfg.SSHVersion, &st.openssh},
	}

	for _, src := range sources {
		src := src
		orch.AddStep("fetch-"+src.name, func(ctx context.Context, control *pipeline.Control) error {
			dest := filepath.Join(a.cfg.BuildDir, src.name)
			artifact, err := fetch.Fetch(ctx, fetch.Spec{
				PrimaryURL:     src.url,
				FallbackURL:    src.fallback,
				Ref:            src.ref,
				Dest:           dest,
				Depth:          1,
				AttemptTimeout: fetchAttemptTimeout,
				Policy:         a.retryPolicy(),
				Backup:         !a.cfg.Force,
			})
			if err != nil {
				return err
			}
			*src.into = artifact

			control.OnFailure("remove-"+src.name+"-source", func(context.Context) error {
				return os.RemoveAll(dest)
			})
			return nil
		})
	}
}

// addBuildSteps compiles and installs both trees under the prefix.
func (a *App) addBuildSteps(orch *pipeline.Orchestrator, st *runState) {
	builder := build.New(a.runner)
	jobs := strconv.Itoa(a.cfg.Jobs)

	orch.AddStep("build-liboqs", func(ctx context.Context, control *pipeline.Control) error {
		srcDir := st.liboqs.Path
		buildDir := filepath.Join(srcDir, "build")
		control.OnFailure("remove-liboqs-build", func(context.Context) error {
			return os.RemoveAll(buildDir)
		})

		return builder.Run(ctx, build.Plan{
			Name:      "liboqs",
			SourceDir: srcDir,
			Configure: &execx.Command{
				Name: "cmake",
				Args: []string{
					"-S", srcDir, "-B", buildDir,
					"-DCMAKE_INSTALL_PREFIX=" + a.cfg.Prefix,
					"-DBUILD_SHARED_LIBS=ON",
					"-DOQS_BUILD_ONLY_LIB=ON",
				},
			},
			Compile: &execx.Command{
				Name: "cmake",
				Args: []string{"--build", buildDir, "--parallel", jobs},
			},
			Install: &execx.Command{
				Name: "cmake",
				Args: []string{"--install", buildDir},
			},
			CompileTimeout: a.commandTimeout(),
			ExpectedArtifacts: []string{
				filepath.Join(a.cfg.Prefix, "include", "oqs", "oqs.h"),
			},
		})
	})

	orch.AddStep("build-openssh", func(ctx context.Context, control *pipeline.Control) error {
		srcDir := st.openssh.Path

		// A git checkout ships no configure script; the release tarball
		// does, so tolerate autoreconf being a no-op there.
		if _, err := os.Stat(filepath.Join(srcDir, "configure")); err != nil {
			if _, err := a.runner.Run(ctx, execx.Command{Name: "autoreconf", Dir: srcDir}); err != nil {
				return err
			}
		}

		return builder.Run(ctx, build.Plan{
			Name:      "openssh",
			SourceDir: srcDir,
			Configure: &execx.Command{
				Name: filepath.Join(srcDir, "configure"),
				Args: []string{
					"--prefix=" + a.cfg.Prefix,
					"--with-liboqs-dir=" + a.cfg.Prefix,
					"--with-privsep-user=" + a.cfg.RunUser,
					"--with-privsep-path=" + filepath.Join(a.cfg.Prefix, "var", "empty"),
					"--with-pid-dir=" + filepath.Join(a.cfg.Prefix, "var", "run"),
					"--sysconfdir=" + a.cfg.EtcDir(),
				},
				Env: map[string]string{
					"LDFLAGS": "-Wl,-rpath," + filepath.Join(a.cfg.Prefix, "lib"),
				},
			},
			Compile: &execx.Command{
				Name: "make",
				Args: []string{"-j", jobs},
			},
			Install: &execx.Command{
				Name: "make",
				Args: []string{"install"},
			},
			CompileTimeout: a.commandTimeout(),
			ExpectedArtifacts: []string{
				filepath.Join(a.cfg.SbinDir(), "sshd"),
				filepath.Join(a.cfg.BinDir(), "ssh"),
				filepath.Join(a.cfg.BinDir(), "ssh-keygen"),
			},
		})
	})

	if !a.cfg.SkipTests {
		orch.AddStep("test-openssh", func(ctx context.Context, _ *pipeline.Control) error {
			_, err := a.runner.Run(ctx, execx.Command{
				Name:    "make",
				Args:    []string{"tests"},
				Dir:     st.openssh.Path,
				Timeout: a.commandTimeout(),
			})
			return err
		})
	}
}

// addUserStep creates the privilege-separation account if it is missing.
func (a *App) addUserStep(orch *pipeline.Orchestrator) {
	orch.AddStep("create-user", func(ctx context.Context, _ *pipeline.Control) error {
		logger := ctxlog.FromContext(ctx)

		probe, err := a.runner.Run(ctx, execx.Command{
			Name:            "id",
			Args:            []string{"-u", a.cfg.RunUser},
			TolerateFailure: true,
		})
		if err != nil {
			return err
		}
		if probe.ExitCode == 0 {
			logger.Info("Privilege-separation user already exists.", "user", a.cfg.RunUser)
		} else {
			if _, err := a.runner.Run(ctx, execx.Command{
				Name: "useradd",
				Args: []string{
					"--system",
					"--no-create-home",
					"--home-dir", filepath.Join(a.cfg.Prefix, "var", "empty"),
					"--shell", "/usr/sbin/nologin",
					a.cfg.RunUser,
				},
			}); err != nil {
				return err
			}
			logger.Info("Privilege-separation user created.", "user", a.cfg.RunUser)
		}

		// sshd refuses to start without its chroot and pid directories.
		for _, dir := range []string{
			filepath.Join(a.cfg.Prefix, "var", "empty"),
			filepath.Join(a.cfg.Prefix, "var", "run"),
		} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", dir, err)
			}
		}
		return nil
	})
}

// addHostKeyStep generates the server's host identity with the built
// ssh-keygen.
func (a *App) addHostKeyStep(orch *pipeline.Orchestrator, st *runState) {
	orch.AddStep("host-key", func(ctx context.Context, _ *pipeline.Control) error {
		manager := keys.NewManager(a.runner)
		pair, err := manager.Generate(ctx, keys.Spec{
			Command:      filepath.Join(a.cfg.BinDir(), "ssh-keygen"),
			Algorithm:    a.cfg.HostKeyAlgorithm,
			PrivatePath:  a.cfg.HostKeyPath(),
			Comment:      "pqsetup host identity",
			SkipIfExists: !a.cfg.Force,
		})
		if err != nil {
			return err
		}
		st.hostKey = pair
		return nil
	})
}

// addRenderConfigStep writes sshd_config and validates it with the built
// daemon's own syntax check before it replaces anything.
func (a *App) addRenderConfigStep(orch *pipeline.Orchestrator, st *runState) {
	orch.AddStep("render-config", func(ctx context.Context, _ *pipeline.Control) error {
		configPath := a.cfg.SSHDConfigPath()
		_, err := render.Write(ctx, a.runner, render.File{
			Template: sshdConfigTemplate,
			Values: map[string]string{
				"PORT":               strconv.Itoa(a.cfg.Port),
				"HOST_KEY":           a.cfg.HostKeyPath(),
				"HOST_KEY_ALGORITHM": a.cfg.HostKeyAlgorithm,
				"KEX_ALGORITHM":      a.cfg.KexAlgorithm,
				"PID_FILE":           filepath.Join(a.cfg.Prefix, "var", "run", a.cfg.ServiceName+".pid"),
				"SFTP_SERVER":        filepath.Join(a.cfg.Prefix, "libexec", "sftp-server"),
			},
			Path: configPath,
			Mode: 0o644,
			SelfTest: &execx.Command{
				Name: filepath.Join(a.cfg.SbinDir(), "sshd"),
				Args: []string{"-t", "-f", render.FileSelfTestMarker},
			},
		})
		if err != nil {
			return err
		}
		st.configPath = configPath
		return nil
	})
}

// addServiceStep registers and starts the systemd unit.
func (a *App) addServiceStep(orch *pipeline.Orchestrator, st *runState) {
	orch.AddStep("register-service", func(ctx context.Context, _ *pipeline.Control) error {
		registrar := service.NewRegistrar(a.runner)
		unit := service.Unit{
			Name:    a.cfg.ServiceName,
			UnitDir: "/etc/systemd/system",
			Values: map[string]string{
				"SSHD_BINARY":    filepath.Join(a.cfg.SbinDir(), "sshd"),
				"CONFIG_PATH":    st.configPath,
				"RESTART_POLICY": "on-failure",
				"RUN_USER":       "root",
				"RUN_GROUP":      "root",
			},
			PollAttempts: 10,
			PollDelay:    2 * time.Second,
		}
		st.unitPath = unit.UnitPath()
		return registrar.Install(ctx, unit)
	})
}

// addClientSteps generates a client identity and writes the host-alias
// connection block. Client mode never touches system paths.
func (a *App) addClientSteps(orch *pipeline.Orchestrator, st *runState) {
	orch.AddStep("client-key", func(ctx context.Context, _ *pipeline.Control) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		manager := keys.NewManager(a.runner)
		pair, err := manager.Generate(ctx, keys.Spec{
			Command:      filepath.Join(a.cfg.BinDir(), "ssh-keygen"),
			Algorithm:    a.cfg.HostKeyAlgorithm,
			PrivatePath:  filepath.Join(home, ".ssh", "id_"+config.SafeAlgorithmName(a.cfg.HostKeyAlgorithm)),
			Comment:      "pqsetup client identity",
			SkipIfExists: !a.cfg.Force,
		})
		if err != nil {
			return err
		}
		st.hostKey = pair
		return nil
	})

	orch.AddStep("client-config", func(ctx context.Context, _ *pipeline.Control) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		configPath := filepath.Join(home, ".ssh", "pqsetup_config")
		_, err = render.Write(ctx, a.runner, render.File{
			Template: clientConfigTemplate,
			Values: map[string]string{
				"ALIAS":              a.cfg.ClientAlias,
				"HOSTNAME":           a.cfg.ClientHost,
				"PORT":               strconv.Itoa(a.cfg.Port),
				"IDENTITY_FILE":      st.hostKey.PrivatePath,
				"KEX_ALGORITHM":      a.cfg.KexAlgorithm,
				"HOST_KEY_ALGORITHM": a.cfg.HostKeyAlgorithm,
			},
			Path: configPath,
			Mode: 0o600,
		})
		if err != nil {
			return err
		}
		st.configPath = configPath
		ctxlog.FromContext(ctx).Info("Client alias written; include it from ~/.ssh/config.",
			"path", configPath, "alias", a.cfg.ClientAlias)
		return nil
	})
}

// addRollbackSteps removes the installed service and prefix. This path is
// only reachable behind both --rollback and --force.
func (a *App) addRollbackSteps(orch *pipeline.Orchestrator) {
	orch.AddStep("unregister-service", func(ctx context.Context, _ *pipeline.Control) error {
		logger := ctxlog.FromContext(ctx)
		unitPath := filepath.Join("/etc/systemd/system", a.cfg.ServiceName+".service")

		if _, err := os.Stat(unitPath); err != nil {
			logger.Info("No unit registered, nothing to unregister.", "unit", a.cfg.ServiceName)
			return nil
		}
		if _, err := a.runner.Run(ctx, execx.Command{
			Name:            "systemctl",
			Args:            []string{"disable", "--now", a.cfg.ServiceName},
			TolerateFailure: true,
		}); err != nil {
			return err
		}
		backup, err := fsutil.Backup(unitPath)
		if err != nil {
			return err
		}
		logger.Info("Unit definition retired.", "backup", backup)
		_, err = a.runner.Run(ctx, execx.Command{Name: "systemctl", Args: []string{"daemon-reload"}})
		return err
	})

	orch.AddStep("remove-prefix", func(ctx context.Context, _ *pipeline.Control) error {
		ctxlog.FromContext(ctx).Warn("Removing install prefix.", "prefix", a.cfg.Prefix)
		return os.RemoveAll(a.cfg.Prefix)
	})
}
