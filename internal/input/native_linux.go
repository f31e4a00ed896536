//go:build linux

package input

func newNative() (Presser, error) {
	if err := lookupProgram("xdotool"); err != nil {
		return nil, err
	}
	return &commandPresser{program: "xdotool", args: xdotoolArgs, run: runCommand}, nil
}
