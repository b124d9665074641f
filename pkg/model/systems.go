package model

import "strings"

// PopularSystem is one entry of the catalog offered when a player lists
// preferred systems or a master picks the system of a session.
type PopularSystem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PopularSystems is ordered by how often the systems are played.
var PopularSystems = []PopularSystem{
	{ID: "system_dnd", Name: "D&D"},
	{ID: "system_call_of_cthulhu", Name: "Зов Ктулху"},
	{ID: "system_pathfinder", Name: "Pathfinder"},
	{ID: "system_warhammer", Name: "Warhammer"},
	{ID: "system_world_of_darkness", Name: "Мир Тьмы"},
	{ID: "system_starfinder", Name: "Starfinder"},
	{ID: "system_fate", Name: "FATE"},
	{ID: "system_savage_worlds", Name: "Savage Worlds"},
	{ID: "system_cyberpunk", Name: "Cyberpunk"},
	{ID: "system_gurps", Name: "GURPS"},
}

// ResolveSystem returns the catalog name when system is a catalog id and the
// trimmed input otherwise.
func ResolveSystem(system string) string {
	system = strings.TrimSpace(system)
	for _, s := range PopularSystems {
		if s.ID == system {
			return s.Name
		}
	}
	return system
}
