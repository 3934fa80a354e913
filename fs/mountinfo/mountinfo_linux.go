//go:build linux

package mountinfo

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// GetMounts reads /proc/self/mountinfo.
func GetMounts() (Table, error) {
	data, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return nil, errors.Trace(err)
	}
	return parseTable(data)
}

func parseTable(info []byte) (Table, error) {
	table := Table{}
	scanner := bufio.NewScanner(bytes.NewReader(info))
	for scanner.Scan() {
		rawEntry := scanner.Text()
		mountInfo, err := parseMountInfo(rawEntry)
		if err != nil {
			return nil, err
		}
		table = append(table, mountInfo)
	}

	return table, errors.Trace(scanner.Err())
}

func parseMountInfo(rawEntry string) (MountInfo, error) {
	var err error

	fields := strings.Split(rawEntry, " ")
	mountInfoLength := len(fields)
	if mountInfoLength < 10 {
		return MountInfo{}, errors.NotValidf("mountinfo entry with %d fields %q", len(fields), rawEntry)
	}

	if fields[mountInfoLength-4] != "-" {
		return MountInfo{}, errors.NotValidf("mountinfo entry without separator after optional fields %q", rawEntry)
	}

	mount := MountInfo{
		MajorMinorStDev: fields[2],
		Root:            fields[3],
		MountPoint:      fields[4],
		Options:         mountOptions(fields[5]),
		OptionalFields:  nil,
		FSType:          fields[mountInfoLength-3],
		Source:          fields[mountInfoLength-2],
		SuperOptions:    mountOptions(fields[mountInfoLength-1]),
	}

	mount.MountID, err = strconv.Atoi(fields[0])
	if err != nil {
		return MountInfo{}, errors.Annotatef(err, "parsing mount ID %q", fields[0])
	}
	mount.ParentID, err = strconv.Atoi(fields[1])
	if err != nil {
		return MountInfo{}, errors.Annotatef(err, "parsing parent ID %q", fields[1])
	}
	if mountInfoLength > 10 {
		mount.OptionalFields = optionalFields(fields[6 : mountInfoLength-4])
	}
	return mount, nil
}

func optionalFields(o []string) map[string]string {
	fields := make(map[string]string)
	for _, field := range o {
		key, value, _ := strings.Cut(field, ":")
		fields[key] = value
	}
	return fields
}

func mountOptions(mountOptions string) map[string]string {
	optionMap := make(map[string]string)
	optionList := strings.SplitSeq(mountOptions, ",")
	for opt := range optionList {
		key, value, _ := strings.Cut(opt, "=")
		optionMap[key] = value
	}
	return optionMap
}
