package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeTXT creates the TXT records of a node.
func EncodeTXT(info *NodeInfo) TXTRecordMap {
	txt := make(TXTRecordMap)
	txt[TXTKeyTag] = strconv.FormatUint(uint64(info.Tag), 10)
	txt[TXTKeyUDPPort] = strconv.FormatUint(uint64(info.UDPPort), 10)

	if info.TCPPort != 0 {
		txt[TXTKeyTCPPort] = strconv.FormatUint(uint64(info.TCPPort), 10)
	}
	if info.Version != "" {
		txt[TXTKeyVersion] = info.Version
	}
	return txt
}

// DecodeTXT parses the TXT records of a node.
func DecodeTXT(txt TXTRecordMap) (*NodeInfo, error) {
	info := &NodeInfo{}

	tag, err := parseUint(txt, TXTKeyTag, 32, true)
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, ErrInvalidTag
	}
	info.Tag = uint32(tag)

	udp, err := parseUint(txt, TXTKeyUDPPort, 16, true)
	if err != nil {
		return nil, err
	}
	info.UDPPort = uint16(udp)

	tcp, err := parseUint(txt, TXTKeyTCPPort, 16, false)
	if err != nil {
		return nil, err
	}
	info.TCPPort = uint16(tcp)

	info.Version = txt[TXTKeyVersion]
	return info, nil
}

func parseUint(txt TXTRecordMap, key string, bits int, required bool) (uint64, error) {
	s, ok := txt[key]
	if !ok {
		if required {
			return 0, fmt.Errorf("%w: %s", ErrMissingRequired, key)
		}
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, key, s)
	}
	return n, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) == 2 {
			txt[parts[0]] = parts[1]
		} else if len(parts) == 1 && parts[0] != "" {
			// Key without value (boolean flag)
			txt[parts[0]] = ""
		}
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}

// InstanceName returns the default instance name of a node.
func InstanceName(tag uint32) string {
	return fmt.Sprintf("gamenet-%08x", tag)
}
