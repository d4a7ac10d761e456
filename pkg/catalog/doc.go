// Package catalog describes the resource vocabulary a session may declare
// and turns declared resources into provisioning-tool configuration.
//
// Three pieces live here:
//
//   - SchemaRegistry checks resource configurations against CUE schemas,
//     one definition per resource type. The validator consults it before
//     policies run.
//   - PresetBuilder evaluates Starlark presets. A preset sets TYPE and
//     defines build(params), returning the configuration dict:
//
//	TYPE = "compute_instance"
//
//	def build(params):
//	    return {"size": params.get("size", "t3.micro")}
//
//   - Renderer writes a session as main.tf.json for the aws, google or
//     azurerm Terraform providers.
package catalog
