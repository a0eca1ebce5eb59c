package qos

import "gopkg.in/yaml.v3"

// ParseOfferedProfiles decodes a TopicMetadata.OfferedQoSProfiles YAML
// list, as recorded by a Recorder, into Profile values. An empty
// input yields an empty, non-nil slice.
func ParseOfferedProfiles(offered string) ([]Profile, error) {
	if offered == "" {
		return []Profile{}, nil
	}
	var profiles []Profile
	if err := yaml.Unmarshal([]byte(offered), &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

// SerializeOfferedProfiles YAML-dumps the sequence of current
// publisher QoS profiles for persistence in topic metadata.
func SerializeOfferedProfiles(profiles []Profile) (string, error) {
	if len(profiles) == 0 {
		return "", nil
	}
	out, err := yaml.Marshal(profiles)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
