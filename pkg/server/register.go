package server

// registerTools installs the complete tool surface in display order.
func (d *Dispatcher) registerTools() {
	d.registerWorkerTools()
	d.registerTaskTools()
	d.registerFileTools()
	d.registerQueryTools()
}
