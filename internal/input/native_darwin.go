//go:build darwin

package input

func newNative() (Presser, error) {
	if err := lookupProgram("osascript"); err != nil {
		return nil, err
	}
	return &commandPresser{program: "osascript", args: osascriptArgs, run: runCommand}, nil
}
