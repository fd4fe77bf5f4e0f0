package modules

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/danmuck/droidctl/internal/tools"
)

const (
	ModuleAppLauncher = "app_launcher"
	maxLaunchTargets  = 20
)

// LaunchPlan is the resolved intent for one launcher target.
type LaunchPlan struct {
	App     string
	Kind    string
	Action  string
	Data    string
	Package string
	Extras  []string
}

// ResolveLaunchTarget maps a free-form target to an intent.
func ResolveLaunchTarget(app string) LaunchPlan {
	name := strings.ToLower(strings.TrimSpace(app))
	switch {
	case strings.Contains(name, "youtube") || strings.Contains(name, "video"):
		return LaunchPlan{
			App: app, Kind: "video", Action: "android.intent.action.VIEW",
			Data: "https://www.youtube.com/watch?v=jNQXAC9IVRw", Package: "com.google.android.youtube",
		}
	case strings.Contains(name, "maps") || strings.Contains(name, "navigation"):
		return LaunchPlan{
			App: app, Kind: "maps", Action: "android.intent.action.VIEW",
			Data: "geo:0,0?q=" + url.QueryEscape("coffee near me"), Package: "com.google.android.apps.maps",
		}
	case strings.Contains(name, "news"):
		return LaunchPlan{
			App: app, Kind: "news", Action: "android.intent.action.VIEW",
			Data: "https://news.google.com",
		}
	default:
		return LaunchPlan{
			App: app, Kind: "search", Action: "android.intent.action.WEB_SEARCH",
			Extras: []string{"--es", "query", tools.Quote(app)},
		}
	}
}

func (lp LaunchPlan) args() []string {
	args := []string{"am", "start", "-a", lp.Action}
	if lp.Data != "" {
		args = append(args, "-d", tools.Quote(lp.Data))
	}
	args = append(args, lp.Extras...)
	return args
}

var resumedActivityPattern = regexp.MustCompile(`(?:mResumedActivity|topResumedActivity|ResumedActivity):.*?\s([A-Za-z0-9_.]+)/`)

// ParseResumedPackage pulls the foreground package from activity dumps.
func ParseResumedPackage(out string) string {
	if m := resumedActivityPattern.FindStringSubmatch(out); m != nil {
		return m[1]
	}
	return ""
}

func appLauncherModule() Module {
	return Define(Metadata{
		ID:          ModuleAppLauncher,
		Name:        "App launcher",
		Description: "Launch apps or content by name, hold them in the foreground and stop them",
		Params: []ParamSpec{
			{Name: "targets", Type: "list", Required: true, Description: "list of {app, duration}"},
			{Name: "force_stop", Type: "bool", Default: true},
		},
	}, runAppLauncher)
}

func runAppLauncher(ctx context.Context, env Env, deviceID string, p Params) Result {
	targets, err := p.List("targets")
	if err != nil {
		return InputFailure(ModuleAppLauncher, err.Error())
	}
	if len(targets) == 0 {
		return InputFailure(ModuleAppLauncher, "targets is required")
	}
	if len(targets) > maxLaunchTargets {
		return InputFailure(ModuleAppLauncher, fmt.Sprintf("at most %d targets", maxLaunchTargets))
	}
	forceStop, err := p.Bool("force_stop", true)
	if err != nil {
		return InputFailure(ModuleAppLauncher, err.Error())
	}
	type job struct {
		plan LaunchPlan
		hold time.Duration
	}
	jobs := make([]job, 0, len(targets))
	for i, t := range targets {
		app := t.Str("app")
		if app == "" {
			return InputFailure(ModuleAppLauncher, fmt.Sprintf("targets[%d].app is required", i))
		}
		hold, err := t.Duration("duration", 10*time.Second)
		if err != nil {
			return InputFailure(ModuleAppLauncher, fmt.Sprintf("targets[%d]: %v", i, err))
		}
		jobs = append(jobs, job{plan: ResolveLaunchTarget(app), hold: hold})
	}

	res := NewResult(ModuleAppLauncher)
	clk := env.clk()
	launches := make([]map[string]any, 0, len(jobs))
	launched := 0
	for _, j := range jobs {
		entry := map[string]any{"app": j.plan.App, "kind": j.plan.Kind}
		out := env.shell(ctx, deviceID, j.plan.args()...)
		entry["launched"] = out.Success
		if !out.Success {
			entry["error"] = out.Error
			launches = append(launches, entry)
			continue
		}
		launched++
		if err := clk.Sleep(ctx, j.hold); err != nil {
			launches = append(launches, entry)
			res.Set("launches", launches)
			return cancelWith(res)
		}
		fg := ParseResumedPackage(env.shell(ctx, deviceID, "dumpsys", "activity", "activities").Stdout)
		entry["foreground_package"] = fg
		if j.plan.Package != "" {
			entry["foreground_verified"] = fg == j.plan.Package
		}
		stopPkg := j.plan.Package
		if stopPkg == "" {
			stopPkg = fg
		}
		if forceStop && stopPkg != "" && stopPkg != "com.android.launcher3" {
			entry["force_stopped"] = env.shell(ctx, deviceID, "am", "force-stop", stopPkg).Success
		}
		launches = append(launches, entry)
	}
	env.shell(ctx, deviceID, "input", "keyevent", "KEYCODE_HOME")

	res.Set("launches", launches)
	res.Set("launched", launched)
	res.Set("requested", len(jobs))
	res.Success = launched == len(jobs)
	if !res.Success {
		res.Error = fmt.Sprintf("%d of %d targets failed to launch", len(jobs)-launched, len(jobs))
	}
	return res
}
