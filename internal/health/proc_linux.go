//go:build linux

package health

import (
	"os"
	"strconv"
	"strings"
)

// scanProcessTree walks /proc for direct children of pid. The stat comm
// field may contain spaces, so state and ppid are parsed after the last
// closing paren.
func scanProcessTree(pid int) (children, zombies []int) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, nil
	}
	for _, entry := range entries {
		child, err := strconv.Atoi(entry.Name())
		if err != nil || child == pid {
			continue
		}
		state, ppid, ok := readStat(child)
		if !ok || ppid != pid {
			continue
		}
		children = append(children, child)
		if state == 'Z' {
			zombies = append(zombies, child)
		}
	}
	return children, zombies
}

func readStat(pid int) (state byte, ppid int, ok bool) {
	raw, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, 0, false
	}
	end := strings.LastIndexByte(string(raw), ')')
	if end < 0 {
		return 0, 0, false
	}
	fields := strings.Fields(string(raw[end+1:]))
	if len(fields) < 2 {
		return 0, 0, false
	}
	ppid, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, false
	}
	return fields[0][0], ppid, true
}
