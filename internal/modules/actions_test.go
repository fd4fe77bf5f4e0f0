package modules

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/droidctl/internal/clock"
	"github.com/danmuck/droidctl/internal/testutil/fakeadb"
	"github.com/danmuck/droidctl/internal/tools"
	"github.com/danmuck/droidctl/internal/uiauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func virtualEnv(dev tools.Runner, ui uiauto.Automator) Env {
	env := Env{Runner: dev, Clock: clock.NewVirtual(time.Unix(0, 0))}
	if ui != nil {
		env.UI = func(string) uiauto.Automator { return ui }
	}
	return env
}

func TestRFLoggingTapsMenuAndToggle(t *testing.T) {
	dev := fakeadb.New()
	ui := &scriptedUI{}
	res := rfLoggingModule().Run(context.Background(), virtualEnv(dev, ui), "emu-1", Params{"action": "start"})
	require.True(t, res.Success)
	assert.Equal(t, true, res.Get("menu_found"))
	assert.Equal(t, []string{"RF Logging", "Enable"}, ui.taps)
	assert.Equal(t, 1, dev.Count("shell input keyevent KEYCODE_STAR KEYCODE_POUND KEYCODE_9 KEYCODE_9 KEYCODE_0 KEYCODE_0 KEYCODE_POUND"))
	assert.Equal(t, 1, dev.Count("shell am broadcast -a android.provider.Telephony.SECRET_CODE -d android_secret_code://9900"))
}

func TestRFLoggingMenuAbsentWarns(t *testing.T) {
	dev := fakeadb.New()
	ui := &scriptedUI{missing: map[string]bool{"RF Logging": true}}
	res := rfLoggingModule().Run(context.Background(), virtualEnv(dev, ui), "emu-1", Params{"action": "stop"})
	assert.True(t, res.Success, "best-effort steps still succeeded")
	assert.Equal(t, false, res.Get("menu_found"))
	assert.Contains(t, res.Warning, "not found")
}

func TestRFLoggingAllStepsFail(t *testing.T) {
	dev := fakeadb.New().OnFail("shell", "offline")
	ui := &scriptedUI{missing: map[string]bool{"RF Logging": true}}
	res := rfLoggingModule().Run(context.Background(), virtualEnv(dev, ui), "emu-1", Params{"action": "start"})
	assert.False(t, res.Success)
}

func TestRFLoggingRejectsBadAction(t *testing.T) {
	res := rfLoggingModule().Run(context.Background(), virtualEnv(fakeadb.New(), nil), "emu-1", Params{"action": "toggle"})
	assert.True(t, res.IsInputError())
}

func TestSMSSendsAndVerifies(t *testing.T) {
	dev := fakeadb.New().OnOutput("shell content query", "Row: 0 address=5550100, body=hello there\n")
	ui := &scriptedUI{}
	res := smsModule().Run(context.Background(), virtualEnv(dev, ui), "emu-1", Params{"number": "5550100", "message": "hello there"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, true, res.Get("verified"))
	assert.Equal(t, "resource_id", res.Get("send_method"))
	assert.Equal(t, 1, dev.Count("shell am start -a android.intent.action.SENDTO -d 'sms:5550100' --es sms_body 'hello there'"))
}

func TestSMSFallsBackToTextAndWarnsOnRestrictedQuery(t *testing.T) {
	dev := fakeadb.New().OnFail("shell content query", "Permission Denial: reading sms")
	ui := &scriptedUI{missing: map[string]bool{smsSendResourceID: true}}
	res := smsModule().Run(context.Background(), virtualEnv(dev, ui), "emu-1", Params{"number": "5550100", "message": "hi"})
	require.True(t, res.Success)
	assert.Equal(t, "text", res.Get("send_method"))
	assert.Equal(t, false, res.Get("verified"))
	assert.NotEmpty(t, res.Warning)
}

func TestSMSMissingFromSentBoxFails(t *testing.T) {
	dev := fakeadb.New().OnOutput("shell content query", "No result found.")
	res := smsModule().Run(context.Background(), virtualEnv(dev, &scriptedUI{}), "emu-1", Params{"number": "5550100", "message": "hi"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Warning, "absent")
}

func TestResolveLaunchTarget(t *testing.T) {
	assert.Equal(t, "video", ResolveLaunchTarget("YouTube").Kind)
	assert.Equal(t, "maps", ResolveLaunchTarget("Google Maps").Kind)
	assert.Equal(t, "news", ResolveLaunchTarget("news").Kind)
	search := ResolveLaunchTarget("weather today")
	assert.Equal(t, "search", search.Kind)
	assert.Equal(t, "android.intent.action.WEB_SEARCH", search.Action)
}

func TestAppLauncherLaunchesHoldsAndStops(t *testing.T) {
	dev := fakeadb.New().OnOutput("shell dumpsys activity activities",
		"  mResumedActivity: ActivityRecord{1b2c u0 com.google.android.youtube/.HomeActivity t42}\n")
	env := virtualEnv(dev, nil)
	clk := env.Clock.(*clock.Virtual)

	res := appLauncherModule().Run(context.Background(), env, "emu-1", Params{
		"targets": []any{map[string]any{"app": "youtube", "duration": 4}, "weather"},
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Get("launched"))
	// The search target has no known package, so the foreground app is stopped.
	assert.Equal(t, 2, dev.Count("shell am force-stop com.google.android.youtube"))
	// 4s for youtube plus the 10s default hold.
	assert.True(t, clk.Now().Equal(time.Unix(14, 0)))
	launches := res.Get("launches").([]map[string]any)
	assert.Equal(t, true, launches[0]["foreground_verified"])
}

func TestAppLauncherRequiresTargets(t *testing.T) {
	res := appLauncherModule().Run(context.Background(), virtualEnv(fakeadb.New(), nil), "emu-1", Params{})
	assert.True(t, res.IsInputError())
}

func TestParseResumedPackage(t *testing.T) {
	assert.Equal(t, "com.android.chrome",
		ParseResumedPackage("  topResumedActivity: ActivityRecord{9 u0 com.android.chrome/org.chromium.Main t3}"))
	assert.Equal(t, "", ParseResumedPackage("nothing here"))
}

func TestParseGetpropAndDeviceInfo(t *testing.T) {
	out := "[ro.product.model]: [Pixel 7]\n[ro.build.version.release]: [14]\n[gsm.version.baseband]: [g5300-1234]\n"
	props := ParseGetprop(out)
	assert.Equal(t, "Pixel 7", props["ro.product.model"])

	dev := fakeadb.New().OnOutput("shell getprop", out)
	res := deviceInfoModule().Run(context.Background(), virtualEnv(dev, nil), "emu-1", Params{})
	require.True(t, res.Success)
	assert.Equal(t, "Pixel 7", res.Get("model"))
	assert.Equal(t, "14", res.Get("android_version"))
	assert.Nil(t, res.Get("sdk"))
}

func TestParseSignalStrengthSkipsUnset(t *testing.T) {
	out := "mSignalStrength=SignalStrength:{ mGsm=CellSignalStrengthGsm: rssi=2147483647 level=0 mLte=CellSignalStrengthLte: rssi=-63 rsrp=-95 rsrq=-10 rssnr=12 level=3 }"
	vals := ParseSignalStrength(out)
	assert.Equal(t, map[string]int{"rssi": -63, "rsrp": -95, "rsrq": -10, "rssnr": 12, "level": 3}, vals)
}

func TestBatteryModule(t *testing.T) {
	dev := fakeadb.New().OnOutput("shell dumpsys battery",
		"Current Battery Service state:\n  AC powered: false\n  USB powered: true\n  status: 2\n  level: 87\n  temperature: 291\n")
	res := batteryModule().Run(context.Background(), virtualEnv(dev, nil), "emu-1", Params{})
	require.True(t, res.Success)
	assert.Equal(t, 87, res.Get("level"))
	assert.Equal(t, "charging", res.Get("status"))
	assert.InDelta(t, 29.1, res.Get("temperature_c"), 1e-9)
	assert.Equal(t, true, res.Get("usb_powered"))
}

func TestRebootWaitsForBootCompleted(t *testing.T) {
	polls := 0
	dev := fakeadb.New().
		On("get-state", func(string, []string) tools.CommandResult {
			polls++
			if polls < 3 {
				return fakeadb.Fail("error: device offline")
			}
			return fakeadb.Ok("device\n")
		}).
		OnOutput("shell getprop sys.boot_completed", "1")
	res := rebootModule().Run(context.Background(), virtualEnv(dev, nil), "emu-1", Params{})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, dev.Count("reboot"))
	assert.Equal(t, 3, polls)
}

func TestRebootTimesOut(t *testing.T) {
	dev := fakeadb.New().OnFail("get-state", "error: device not found")
	res := rebootModule().Run(context.Background(), virtualEnv(dev, nil), "emu-1", Params{"timeout": 20})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "did not finish booting")
}

func TestLogcatCaptureFilters(t *testing.T) {
	dev := fakeadb.New().OnOutput("shell logcat -d -t 50", "I/RIL: attach\nD/Other: noise\nE/RIL: detach\n")
	res := logcatCaptureModule().Run(context.Background(), virtualEnv(dev, nil), "emu-1", Params{"lines": 50, "filter": "RIL"})
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Get("line_count"))
}

func TestScreenshotPullsToDestDir(t *testing.T) {
	dev := fakeadb.New()
	res := screenshotModule().Run(context.Background(), virtualEnv(dev, nil), "emulator-5554", Params{"dest_dir": "/tmp/shots"})
	require.True(t, res.Success)
	assert.Equal(t, "/tmp/shots/screenshot-emulator-5554-0.png", res.Get("path"))
	assert.Equal(t, 1, dev.Count("pull /sdcard/screenshot-emulator-5554-0.png /tmp/shots/screenshot-emulator-5554-0.png"))
}

func TestUSSDCapturesDialogMessage(t *testing.T) {
	dump := `<hierarchy><node class="android.widget.FrameLayout" bounds="[0,0][100,100]">
<node text="Balance: 12.50" resource-id="android:id/message" class="android.widget.TextView" bounds="[0,0][100,50]"/>
<node text="OK" class="android.widget.Button" bounds="[0,50][100,100]"/>
</node></hierarchy>`
	tree, err := uiauto.Parse([]byte(dump))
	require.NoError(t, err)
	assert.Equal(t, "Balance: 12.50", USSDResponse(tree))

	dev := fakeadb.New().OnOutput("shell cat", dump)
	env := Env{Runner: dev, Clock: clock.NewVirtual(time.Unix(0, 0))}
	res := ussdModule().Run(context.Background(), env, "emu-1", Params{"code": "*100#"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Balance: 12.50", res.Get("response"))
	assert.Equal(t, 1, dev.Count("shell am start -a android.intent.action.CALL -d 'tel:*100%23'"))
}

func TestAnswerAndEndCall(t *testing.T) {
	dev := fakeadb.New().OnOutput("shell dumpsys telephony.registry", "mCallState=2")
	res := answerCallModule().Run(context.Background(), virtualEnv(dev, nil), "emu-1", Params{})
	require.True(t, res.Success)
	assert.Equal(t, true, res.Get("confirmed"))

	res = endCallModule().Run(context.Background(), virtualEnv(dev, nil), "emu-1", Params{"timeout": 1})
	require.True(t, res.Success)
	assert.Equal(t, false, res.Get("confirmed"))
	assert.NotEmpty(t, res.Warning)
}
