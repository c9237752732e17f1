package envcfg

// defaultYAML describes the reference joint-space balance model shipped with
// the tuner. Gain scales multiply the nominal stiffness and damping.
const defaultYAML = `
sim:
  dt: 0.001
  seed: 42
env:
  num_joints: 16
  episode_length_s: 2.0
asset:
  fall_angle: 0.8
  max_joint_velocity: 8.0
  start_pos_noise: 0.05
  link_inertia: 0.001
  gravity_torque: 0.5
control:
  stiffness: 20.0
  damping: 0.05
  action_scale: 0.25
  effort_limit: 10.0
gains:
  kp_scale: 1.0
  kd_scale: 1.0
  tau_factor: 1.0
rewards:
  tracking_sigma: 0.01
  torque_penalty: 0.0001
`

// Default returns a fresh copy of the built-in simulator configuration.
func Default() *Config {
	cfg, err := Parse([]byte(defaultYAML))
	if err != nil {
		panic("envcfg: invalid built-in config: " + err.Error())
	}
	return cfg
}
