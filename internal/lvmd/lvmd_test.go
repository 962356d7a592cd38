package lvmd

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osinstall/diskplan/internal/disk"
)

type fakeCall struct {
	command string
	args    []string
}

type fakeExecutor struct {
	outputs []string
	errs    []error
	calls   []fakeCall
}

func (f *fakeExecutor) record(command string, args []string) int {
	f.calls = append(f.calls, fakeCall{command: command, args: args})
	return len(f.calls) - 1
}

func (f *fakeExecutor) ExecuteCommand(ctx context.Context, command string, args ...string) error {
	i := f.record(command, args)
	if i < len(f.errs) {
		return f.errs[i]
	}
	return nil
}

func (f *fakeExecutor) ExecuteCommandWithOutput(ctx context.Context, command string, args ...string) (string, error) {
	i := f.record(command, args)
	var output string
	if i < len(f.outputs) {
		output = f.outputs[i]
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return output, err
}

func testClient(exec *fakeExecutor) *Client {
	client := New(exec)
	client.retryDelay = 0
	return client
}

const lvReport = `File descriptor 7 leaked on lvs invocation
{"report": [{"lv": [{"lv_name": "root", "vg_name": "vg0", "lv_size": "21474836480B"}]}]}`

func TestVolumeInfo(t *testing.T) {
	exec := &fakeExecutor{outputs: []string{lvReport}}

	info, err := testClient(exec).VolumeInfo(context.Background(), "root")
	require.NoError(t, err)
	require.NotNil(t, info)

	expected := &VolumeInfo{
		LVName: "root",
		VGName: "vg0",
		LVSize: disk.NewByteSize(21474836480),
	}
	assert.Empty(t, cmp.Diff(expected, info))

	require.Len(t, exec.calls, 1)
	assert.Equal(t, "lvs", exec.calls[0].command)
	assert.Contains(t, strings.Join(exec.calls[0].args, " "), "lv_name=root")
}

func TestVolumeInfoAbsentAfterRetries(t *testing.T) {
	empty := `{"report": [{"lv": []}]}`
	exec := &fakeExecutor{}
	for i := 0; i < infoRetries; i++ {
		exec.outputs = append(exec.outputs, empty)
	}

	info, err := testClient(exec).VolumeInfo(context.Background(), "root")
	require.NoError(t, err)
	assert.Nil(t, info, "exhausted retries report absence, not an error")
	assert.Len(t, exec.calls, infoRetries)
}

func TestVolumeInfoRetriesUntilPresent(t *testing.T) {
	empty := `{"report": [{"lv": []}]}`
	exec := &fakeExecutor{outputs: []string{empty, empty, lvReport}}

	info, err := testClient(exec).VolumeInfo(context.Background(), "root")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Len(t, exec.calls, 3)
}

func TestVolumeInfoCommandErrorPropagates(t *testing.T) {
	exec := &fakeExecutor{errs: []error{fmt.Errorf("lvs failed")}}

	_, err := testClient(exec).VolumeInfo(context.Background(), "root")
	assert.Error(t, err)
	assert.Len(t, exec.calls, 1, "command failures are not retried")
}

func TestVolumeInfoRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	empty := `{"report": [{"lv": []}]}`
	exec := &fakeExecutor{outputs: []string{empty, empty}}

	_, err := testClient(exec).VolumeInfo(ctx, "root")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGroupInfo(t *testing.T) {
	report := `{"report": [{"vg": [{"vg_name": "vg0", "vg_uuid": "vVhJE0-ccQF", "vg_size": "42949672960B"}]}]}`
	exec := &fakeExecutor{outputs: []string{report}}

	info, err := testClient(exec).GroupInfo(context.Background(), "vg0")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "vVhJE0-ccQF", info.VGUUID)
	assert.Equal(t, uint64(42949672960), info.VGSize.Bytes())
}

func TestPVSegmentInfo(t *testing.T) {
	report := `{"report": [{"pvseg": [{"pv_name": "/dev/sda2", "lv_name": "root", "vg_name": "vg0"}]}]}`
	exec := &fakeExecutor{outputs: []string{report}}

	info, err := testClient(exec).PVSegmentInfo(context.Background(), "vg0", "root")
	require.NoError(t, err)
	require.NotNil(t, info)

	expected := &PVSegmentInfo{PVName: "/dev/sda2", LVName: "root", VGName: "vg0"}
	assert.Empty(t, cmp.Diff(expected, info))
}

func TestVolumeChange(t *testing.T) {
	exec := &fakeExecutor{}
	vol := disk.NewLvmVolume(disk.LvmVolume{Name: "root", DevPath: "/dev/vg0/root"})

	require.NoError(t, testClient(exec).VolumeChange(context.Background(), vol, true))
	require.Len(t, exec.calls, 1)
	assert.Equal(t, "lvchange", exec.calls[0].command)
	assert.Equal(t, []string{"-a", "y", "/dev/vg0/root"}, exec.calls[0].args)

	require.NoError(t, testClient(exec).VolumeChange(context.Background(), vol, false))

	pathless := disk.NewLvmVolume(disk.LvmVolume{Name: "root"})
	assert.Error(t, testClient(exec).VolumeChange(context.Background(), pathless, true))
}

func TestImportGroup(t *testing.T) {
	// exported group gets imported
	exec := &fakeExecutor{outputs: []string{"  exported\n"}}
	require.NoError(t, testClient(exec).ImportGroup(context.Background(), "vg0"))
	require.Len(t, exec.calls, 2)
	assert.Equal(t, "vgimport", exec.calls[1].command)

	// active group is left alone
	exec = &fakeExecutor{outputs: []string{"\n"}}
	require.NoError(t, testClient(exec).ImportGroup(context.Background(), "vg0"))
	assert.Len(t, exec.calls, 1)

	// missing group is not an error
	exec = &fakeExecutor{errs: []error{fmt.Errorf("vg not found")}}
	require.NoError(t, testClient(exec).ImportGroup(context.Background(), "vg0"))
	assert.Len(t, exec.calls, 1)
}
