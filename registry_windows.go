package tun

import (
	"golang.org/x/sys/windows/registry"
)

const (
	profilesKey  = `SOFTWARE\Microsoft\Windows NT\CurrentVersion\NetworkList\Profiles`
	unmanagedKey = `SOFTWARE\Microsoft\Windows NT\CurrentVersion\NetworkList\Signatures\Unmanaged`
)

// deleteProfiles removes the network list entries windows keeps for
// interfaces called name, so a recreated adapter does not show up as
// "name 2". Entries are matched by display name only; every match is
// removed. Failures on individual entries are logged and skipped.
func deleteProfiles(name string) error {
	if err := deleteMatching(profilesKey, "ProfileName", name); err != nil {
		return err
	}
	return deleteMatching(unmanagedKey, "Description", name)
}

func deleteMatching(path, value, name string) error {
	parent, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.ENUMERATE_SUB_KEYS|registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return err
	}
	defer parent.Close()

	subs, err := parent.ReadSubKeyNames(-1)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		k, err := registry.OpenKey(parent, sub, registry.QUERY_VALUE)
		if err != nil {
			log.Debugf("Unable to open %v\\%v: %v", path, sub, err)
			continue
		}
		v, _, err := k.GetStringValue(value)
		k.Close()
		if err != nil || v != name {
			continue
		}
		if err := registry.DeleteKey(parent, sub); err != nil {
			log.Debugf("Unable to delete %v\\%v: %v", path, sub, err)
			continue
		}
		log.Debugf("Deleted %v\\%v for %v", path, sub, name)
	}
	return nil
}
